// Console dashboard for the shed: polls the server's summary endpoint and
// redraws the terminal on every refresh.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tm "github.com/buger/goterm"

	"github.com/peterbutler/sagrada/internal/hub"
)

const (
	freezeLimitF   = 40
	tankCriticalF  = 90
	tankLowF       = 120
	requestTimeout = 5 * time.Second
)

type monitorConfig struct {
	Server      string
	Refresh     time.Duration
	TankChannel string
	RoomChannel string
}

func parseConfig() monitorConfig {
	var (
		server  = flag.String("server", "http://localhost:8080", "sagrada server base URL")
		refresh = flag.Duration("refresh", 2*time.Second, "redraw interval")
		tank    = flag.String("tank", "tank.temperature", "channel watched for low-tank alerts")
		room    = flag.String("room", "room.temperature", "channel watched for freeze alerts")
	)
	flag.Parse()
	return monitorConfig{
		Server:      *server,
		Refresh:     *refresh,
		TankChannel: *tank,
		RoomChannel: *room,
	}
}

func fetchSummary(ctx context.Context, client *http.Client, base string) (*hub.Summary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/summary", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("summary returned %s", resp.Status)
	}
	var s hub.Summary
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func findChannel(s *hub.Summary, id string) *hub.ChannelSummary {
	for i := range s.Channels {
		if s.Channels[i].ID == id {
			return &s.Channels[i]
		}
	}
	return nil
}

// alerts builds the banner lines, most urgent first. Stale channels never
// trigger temperature alerts; the staleness line covers them.
func alerts(cfg monitorConfig, s *hub.Summary) []string {
	var out []string
	if row := findChannel(s, cfg.RoomChannel); row != nil && row.Value != nil && !row.Stale {
		if *row.Value < freezeLimitF {
			out = append(out, tm.Color(fmt.Sprintf("FREEZE RISK: room at %.1f F", *row.Value), tm.RED))
		}
	}
	if row := findChannel(s, cfg.TankChannel); row != nil && row.Value != nil && !row.Stale {
		switch {
		case *row.Value < tankCriticalF:
			out = append(out, tm.Color(fmt.Sprintf("TANK CRITICAL: %.1f F", *row.Value), tm.RED))
		case *row.Value < tankLowF:
			out = append(out, tm.Color(fmt.Sprintf("tank low: %.1f F", *row.Value), tm.YELLOW))
		}
	}
	for _, row := range s.Channels {
		if row.Stale {
			out = append(out, tm.Color(fmt.Sprintf("stale: %s has not reported for over 5 minutes", row.ID), tm.YELLOW))
		}
	}
	return out
}

func render(cfg monitorConfig, s *hub.Summary) {
	tm.Clear()
	tm.MoveCursor(1, 1)

	tm.Println(tm.Bold("SAGRADA SHED MONITOR"), " ", s.Now.Local().Format("2006-01-02 15:04:05"))
	tm.Println()

	for _, line := range alerts(cfg, s) {
		tm.Println(line)
	}
	tm.Println()

	table := tm.NewTable(0, 6, 2, ' ', 0)
	fmt.Fprintf(table, "CHANNEL\tVALUE\tTREND\tHISTORY\tAGE\n")
	for _, row := range s.Channels {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n",
			row.Label,
			fmtValue(row.Value, row.Unit),
			row.Rate.Text,
			fmt.Sprintf("%d min", row.Buckets),
			fmtAge(s.Now, row.At, row.Stale),
		)
	}
	tm.Println(table)

	tm.Println(tm.Bold("Devices"))
	if len(s.Devices) == 0 {
		tm.Println("  no devices reported yet")
	}
	for _, d := range s.Devices {
		tm.Printf("  %-8s %s", d.Name, onOff(d.On))
		if d.On && d.PowerW > 0 {
			tm.Printf("  %.0f W", d.PowerW)
		}
		if !d.ChangedAt.IsZero() {
			tm.Printf("  for %s", roundAge(s.Now.Sub(d.ChangedAt)))
		}
		tm.Println()
	}
	tm.Println()

	tm.Println(tm.Bold("Thermal"))
	t := s.Thermal
	if !t.Valid {
		tm.Println("  waiting for tank and room data")
	} else {
		tm.Printf("  heater input %s   floor output %s   building loss %s   keeping up %s\n",
			fmtWatts(t.HeaterInput), fmtWatts(t.FloorOutput), fmtWatts(t.BuildingLoss), keepingUp(t.KeepingUp))
		tm.Printf("  tank loss %s   water to floor %s   extraction %s   equilibrium %s\n",
			fmtWatts(t.TankLoss), fmtWatts(t.WaterToFloor), fmtWatts(t.WaterSideExtraction), fmtTemp(t.Equilibrium))
	}
	tm.Println()
	tm.Printf("refresh %s   server %s\n", cfg.Refresh, cfg.Server)

	tm.Flush()
}

func renderError(cfg monitorConfig, err error) {
	tm.Clear()
	tm.MoveCursor(1, 1)
	tm.Println(tm.Bold("SAGRADA SHED MONITOR"))
	tm.Println()
	tm.Println(tm.Color(fmt.Sprintf("server unreachable: %v", err), tm.RED))
	tm.Printf("retrying every %s against %s\n", cfg.Refresh, cfg.Server)
	tm.Flush()
}

func fmtValue(v *float64, unit string) string {
	if v == nil {
		return "--"
	}
	if unit == "state" {
		return onOffPlain(*v >= 0.5)
	}
	return fmt.Sprintf("%.1f %s", *v, unit)
}

func fmtWatts(v *float64) string {
	if v == nil {
		return "--"
	}
	return fmt.Sprintf("%.0f W", *v)
}

func fmtTemp(v *float64) string {
	if v == nil {
		return "--"
	}
	return fmt.Sprintf("%.1f F", *v)
}

func fmtAge(now time.Time, at *time.Time, stale bool) string {
	if at == nil {
		return "--"
	}
	age := roundAge(now.Sub(*at))
	if stale {
		return age + " !"
	}
	return age
}

func roundAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}

func onOff(on bool) string {
	if on {
		return tm.Color("ON", tm.GREEN)
	}
	return "off"
}

func onOffPlain(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func keepingUp(v *bool) string {
	if v == nil {
		return "--"
	}
	if *v {
		return tm.Color("YES", tm.GREEN)
	}
	return tm.Color("NO", tm.RED)
}

func main() {
	cfg := parseConfig()
	client := &http.Client{Timeout: requestTimeout}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	draw := func() {
		s, err := fetchSummary(ctx, client, cfg.Server)
		if err != nil {
			renderError(cfg, err)
			return
		}
		render(cfg, s)
	}

	draw()
	ticker := time.NewTicker(cfg.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			draw()
		case <-stop:
			fmt.Println()
			return
		}
	}
}
