package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/tabhouse/tabhouse/internal/closing"
	"github.com/tabhouse/tabhouse/internal/config"
	"github.com/tabhouse/tabhouse/internal/settings"
	"github.com/tabhouse/tabhouse/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "state":
		cmdState(args)
	case "closing":
		cmdClosing()
	case "hours":
		cmdHours(args)
	case "tickets":
		cmdTickets(args)
	case "archives":
		cmdArchives(args)
	case "logs":
		cmdLogs(args)
	case "config":
		if len(args) < 2 || args[0] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: tabhousectl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(args[1])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func usage(msg string) {
	fmt.Fprintln(os.Stderr, "usage: tabhousectl "+msg)
	os.Exit(1)
}

// --- health / state ---

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(body))
}

func cmdState(args []string) {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}
	var (
		body []byte
		err  error
	)
	switch sub {
	case "show":
		body, err = apiGet("/api/state")
	case "open":
		body, err = apiSend("POST", "/api/state/open", nil)
	case "close":
		body, err = apiSend("POST", "/api/state/close", nil)
	case "watch":
		watchState()
		return
	default:
		usage("state <show|open|close|watch>")
	}
	if err != nil {
		fail(err)
	}
	var st protocol.OperatingState
	if err := json.Unmarshal(body, &st); err != nil {
		fail(err)
	}
	printState(st)
}

func printState(st protocol.OperatingState) {
	status := "CLOSED"
	if st.IsOpen {
		status = "OPEN"
	}
	var notes []string
	if st.ForcedOpen {
		notes = append(notes, "forced open")
	}
	if st.ForcedClosedDate != "" {
		notes = append(notes, "forced closed "+st.ForcedClosedDate)
	}
	line := status
	if len(notes) > 0 {
		line += " (" + strings.Join(notes, ", ") + ")"
	}
	if !st.NextCheck.IsZero() {
		line += ", next check " + humanize.Time(st.NextCheck)
	}
	fmt.Println(line)
}

func watchState() {
	conn, err := dialStream()
	if err != nil {
		fail(err)
	}
	defer conn.Close()
	for {
		var st protocol.OperatingState
		if err := conn.ReadJSON(&st); err != nil {
			fail(err)
		}
		fmt.Printf("%s  ", time.Now().Format(time.TimeOnly))
		printState(st)
	}
}

func cmdClosing() {
	body, err := apiGet("/api/closing")
	if err != nil {
		fail(err)
	}
	var run closing.Run
	if err := json.Unmarshal(body, &run); err != nil {
		fail(err)
	}
	fmt.Printf("started   %s (%s)\n", run.StartedAt.Format(time.DateTime), humanize.Time(run.StartedAt))
	fmt.Printf("took      %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	fmt.Printf("drained   %d\n", run.Drained)
	fmt.Printf("archived  %d %s\n", run.Archived, run.ArchivePath)
	if run.TimedOut {
		fmt.Println("drain wait timed out")
	}
	if run.Interrupted {
		fmt.Println("interrupted by shutdown")
	}
	if run.Err != "" {
		fmt.Printf("error     %s\n", run.Err)
	}
}

// --- hours ---

func cmdHours(args []string) {
	if len(args) == 0 || args[0] == "show" {
		body, err := apiGet("/api/hours")
		if err != nil {
			fail(err)
		}
		var hours protocol.Hours
		if err := json.Unmarshal(body, &hours); err != nil {
			fail(err)
		}
		for d := time.Sunday; d <= time.Saturday; d++ {
			v, ok := hours[settings.DayKey(d)]
			if !ok || v == "" {
				v = settings.Closed
			}
			fmt.Printf("%-10s %s\n", d, v)
		}
		return
	}
	if args[0] != "set" || len(args) < 3 {
		usage("hours <show|set <day> <open - close|closed>>")
	}

	day, err := settings.ParseDay(args[1])
	if err != nil {
		fail(err)
	}
	body, err := apiGet("/api/hours")
	if err != nil {
		fail(err)
	}
	var hours protocol.Hours
	if err := json.Unmarshal(body, &hours); err != nil {
		fail(err)
	}
	if hours == nil {
		hours = protocol.Hours{}
	}
	hours[settings.DayKey(day)] = strings.Join(args[2:], " ")
	if _, err := apiSend("PUT", "/api/hours", hours); err != nil {
		fail(err)
	}
	fmt.Printf("%s set to %s\n", day, hours[settings.DayKey(day)])
}

// --- tickets ---

func cmdTickets(args []string) {
	if len(args) == 0 {
		usage("tickets <list|show|new|complete|reopen|close|delete>")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		cmdTicketsList(rest)
	case "new":
		if len(rest) < 1 {
			usage("tickets new <table>")
		}
		body, err := apiSend("POST", "/api/tickets", map[string]string{"table": strings.Join(rest, " ")})
		if err != nil {
			fail(err)
		}
		var t protocol.Ticket
		json.Unmarshal(body, &t)
		fmt.Printf("ticket %d opened for %s\n", t.ID, t.Table)
	case "show", "complete", "reopen", "close", "delete":
		if len(rest) < 1 {
			usage("tickets " + sub + " <id>")
		}
		id, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			fail(fmt.Errorf("invalid ticket id %q", rest[0]))
		}
		path := fmt.Sprintf("/api/tickets/%d", id)
		var body []byte
		switch sub {
		case "show":
			body, err = apiGet(path)
		case "delete":
			_, err = apiSend("DELETE", path, nil)
		default:
			body, err = apiSend("POST", path+"/"+sub, nil)
		}
		if err != nil {
			fail(err)
		}
		if sub == "delete" {
			fmt.Printf("ticket %d deleted\n", id)
			return
		}
		fmt.Println(prettyJSON(body))
	default:
		fmt.Fprintf(os.Stderr, "unknown tickets subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func cmdTicketsList(args []string) {
	fs := flag.NewFlagSet("tickets list", flag.ExitOnError)
	stage := fs.String("stage", "", "Filter by stage (active|completed|closed)")
	fs.Parse(args)

	path := "/api/tickets"
	if *stage != "" {
		path += "?stage=" + url.QueryEscape(*stage)
	}
	body, err := apiGet(path)
	if err != nil {
		fail(err)
	}
	var tickets []protocol.Ticket
	if err := json.Unmarshal(body, &tickets); err != nil {
		fail(err)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].ID < tickets[j].ID })
	for _, t := range tickets {
		fmt.Printf("%-6d %-10s %-10s %3d orders %10s  opened %s\n",
			t.ID, t.Table, t.Stage, len(t.Orders), t.Total().StringFixed(2), humanize.Time(t.CreatedAt))
	}
}

// --- archives ---

func cmdArchives(args []string) {
	if len(args) == 0 || args[0] == "list" {
		fs := flag.NewFlagSet("archives list", flag.ExitOnError)
		limit := fs.Int("limit", 30, "Max results")
		if len(args) > 0 {
			fs.Parse(args[1:])
		}
		body, err := apiGet(fmt.Sprintf("/api/archives?limit=%d", *limit))
		if err != nil {
			fail(err)
		}
		var records []protocol.ArchiveRecord
		if err := json.Unmarshal(body, &records); err != nil {
			fail(err)
		}
		for _, r := range records {
			fmt.Printf("%s  %4d tickets %12s  written %s\n",
				r.Date, r.TicketCount, r.Total.StringFixed(2), humanize.Time(r.WrittenAt))
		}
		return
	}
	if args[0] != "show" || len(args) < 2 {
		usage("archives <list|show <date>>")
	}

	date, err := archiveDate(strings.Join(args[1:], " "))
	if err != nil {
		fail(err)
	}
	body, err := apiGet("/api/archives/" + date)
	if err != nil {
		fail(err)
	}
	var a protocol.Archive
	if err := json.Unmarshal(body, &a); err != nil {
		fail(err)
	}
	s := a.Summary
	fmt.Printf("%s: %d tickets, %d orders, %d items\n", a.Date, s.TicketCount, s.OrderCount, s.ItemCount)
	fmt.Printf("subtotal %s  tax %s  total %s\n", s.Subtotal.StringFixed(2), s.Tax.StringFixed(2), s.Total.StringFixed(2))
	if s.ManuallyClosedCount < s.TicketCount {
		fmt.Printf("%d closed by the closing sequence\n", s.TicketCount-s.ManuallyClosedCount)
	}
	names := make([]string, 0, len(s.Items))
	for name := range s.Items {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-24s %s\n", name, humanize.Comma(int64(s.Items[name])))
	}
}

// archiveDate accepts "today", "yesterday" or any date dateparse knows,
// and returns it as YYYY-MM-DD.
func archiveDate(s string) (string, error) {
	now := time.Now()
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "today":
		return now.Format(time.DateOnly), nil
	case "yesterday":
		return now.AddDate(0, 0, -1).Format(time.DateOnly), nil
	}
	t, err := dateparse.ParseIn(s, time.Local)
	if err != nil {
		return "", fmt.Errorf("unrecognized date %q: %w", s, err)
	}
	return t.Format(time.DateOnly), nil
}

// --- logs ---

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	level := fs.String("level", "", "Minimum level (debug|info|warn|error)")
	component := fs.String("component", "", "Only this component")
	limit := fs.Int("limit", 100, "Max entries")
	since := fs.String("since", "", "Only entries after this time")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	if *level != "" {
		q.Set("level", *level)
	}
	if *component != "" {
		q.Set("component", *component)
	}
	if *since != "" {
		t, err := dateparse.ParseLocal(*since)
		if err != nil {
			fail(fmt.Errorf("unrecognized time %q: %w", *since, err))
		}
		q.Set("since", strconv.FormatInt(t.UnixMilli(), 10))
	}

	body, err := apiGet("/api/logs?" + q.Encode())
	if err != nil {
		fail(err)
	}
	var entries []struct {
		Time      time.Time      `json:"time"`
		Level     string         `json:"level"`
		Component string         `json:"component"`
		Message   string         `json:"message"`
		Attrs     map[string]any `json:"attrs"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		fail(err)
	}
	for _, e := range entries {
		fmt.Printf("%s %-5s %-10s %s", e.Time.Format(time.TimeOnly), e.Level, e.Component, e.Message)
		keys := make([]string, 0, len(e.Attrs))
		for k := range e.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf(" %s=%v", k, e.Attrs[k])
		}
		fmt.Println()
	}
}

func cmdConfigValidate(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config is valid (drain wait %s, polling every %s)\n",
		cfg.Closing.MaxWait.Std(), cfg.Closing.PollInterval.Std())
}

func printUsage() {
	fmt.Println("tabhousectl - venue operations CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                          Check the daemon is up")
	fmt.Println("  state [show|open|close|watch]   Show, override or follow the operating state")
	fmt.Println("  closing                         Show the last closing sequence")
	fmt.Println("  hours [show|set <day> <hours>]  Show or edit weekly hours")
	fmt.Println("  tickets list [--stage S]        List tickets")
	fmt.Println("  tickets new <table>             Open a ticket")
	fmt.Println("  tickets show|complete|reopen|close|delete <id>")
	fmt.Println("  archives [list|show <date>]     Browse daily archives")
	fmt.Println("  logs [--level --component --since --limit]")
	fmt.Println("  config validate <path>          Validate a config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TABHOUSE_API_URL                API base URL (default http://localhost:8080)")
	fmt.Println("  TABHOUSE_API_KEY                Bearer token")
}
