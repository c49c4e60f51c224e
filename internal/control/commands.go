package control

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/logentry"
)

// command is one entry in the dispatch table. usage doubles as the
// "help" command's listing, so the two can never drift apart.
type command struct {
	name  string
	usage string
	run   func(s *Server, c *connection, args []string) string
}

var commands []command

func init() {
	commands = []command{
		{"help", "help", cmdHelp},
		{"hostname", "hostname", cmdHostname},
		{"startlive", "startlive", cmdStartLive},
		{"stoplive", "stoplive", cmdStopLive},
		{"list-particlecounters", "list-particlecounters", cmdList},
		{"log", "log", cmdLog},
		{"buffers", "buffers", cmdBuffers},
		{"add-particlecounter", "add-particlecounter --bus=B --unit=U --id=I [--room=R]", cmdAdd},
		{"delete-particlecounter", "delete-particlecounter --id=I and/or --bus=B", cmdDelete},
		{"set", "set --id=I --key=value [--key=value ...]", cmdSet},
		{"get", "get --id=I --key [--key ...] | --actual", cmdGet},
	}
	commandTable = buildCommandTable()
}

var commandTable map[string]*command

func buildCommandTable() map[string]*command {
	table := make(map[string]*command, len(commands))
	for i := range commands {
		table[commands[i].name] = &commands[i]
	}
	return table
}

// dispatch routes one line to its command: unknown commands get
// "ERROR: Command not supported: <cmd>"; whitespace and flag ordering
// are tolerated by construction (strings.Fields plus each handler's own
// order-independent flag parsing).
func (s *Server) dispatch(line string, c *connection) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}

	cmd, ok := commandTable[fields[0]]
	if !ok {
		return fmt.Sprintf("ERROR: Command not supported: %s", fields[0])
	}
	return cmd.run(s, c, fields[1:])
}

func cmdHelp(s *Server, c *connection, args []string) string {
	lines := make([]string, len(commands))
	for i, cmd := range commands {
		lines[i] = cmd.usage
	}
	return strings.Join(lines, "\n")
}

func cmdHostname(s *Server, c *connection, args []string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("Hostname=%s", host)
}

func cmdStartLive(s *Server, c *connection, args []string) string {
	c.setLive(true)
	return "Liveshow=on"
}

func cmdStopLive(s *Server, c *connection, args []string) string {
	c.setLive(false)
	return "Liveshow=off"
}

func cmdList(s *Server, c *connection, args []string) string {
	snapshots := s.registry.List()
	lines := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		lines = append(lines, fmt.Sprintf("Particle Counter id=%d busID=%d", snap.ID, snap.BusIndex))
	}
	return strings.Join(lines, "\n")
}

func cmdLog(s *Server, c *connection, args []string) string {
	var lines []string
	for _, category := range []logentry.Category{logentry.Info, logentry.Warning, logentry.Error} {
		for _, entry := range s.logs.List(category) {
			lines = append(lines, fmt.Sprintf("%s[%s]: %s", category, entry.Module, entry.Text))
		}
	}
	return strings.Join(lines, "\n")
}

func cmdBuffers(s *Server, c *connection, args []string) string {
	indexes := make([]int, 0, len(s.buses))
	for index := range s.buses {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	lines := make([]string, 0, len(indexes))
	for _, index := range indexes {
		queue := s.buses[index]
		lines = append(lines, fmt.Sprintf(
			"Bus=%d TelegramQueueLevel_standardPriority=%d TelegramQueueLevel_highPriority=%d",
			index, queue.QueueDepth(false), queue.QueueDepth(true),
		))
	}
	return strings.Join(lines, "\n")
}

func cmdAdd(s *Server, c *connection, args []string) string {
	fs := flag.NewFlagSet("add-particlecounter", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	bus := fs.Int("bus", -1, "bus index")
	unit := fs.Int("unit", -1, "unit address")
	id := fs.Int("id", -1, "instrument id")
	room := fs.String("room", "", "room label")
	if err := fs.Parse(args); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	if *bus < 0 || *unit < 0 || *id < 0 {
		return "ERROR: add-particlecounter requires --bus, --unit, and --id"
	}

	status, err := s.registry.Add(*id, *bus, *unit, *room, s.logs)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return status
}

func cmdDelete(s *Server, c *connection, args []string) string {
	fs := flag.NewFlagSet("delete-particlecounter", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.Int("id", -1, "instrument id")
	bus := fs.Int("bus", -1, "bus index")
	if err := fs.Parse(args); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	if *id < 0 && *bus < 0 {
		return "ERROR: delete-particlecounter requires --id and/or --bus"
	}

	n := s.registry.Delete(*id, *bus, s.logs)
	return fmt.Sprintf("Deleted %d instrument(s)", n)
}

// cmdSet and cmdGet parse their own flags by hand rather than through
// flag.NewFlagSet: their key names are arbitrary (any entry in
// registry.fieldSetters/fieldGetters), so there is no fixed flag set to
// declare ahead of time.
func cmdSet(s *Server, c *connection, args []string) string {
	id, rest, err := extractID(args)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	if id < 0 {
		return "ERROR: set requires --id"
	}
	if len(rest) == 0 {
		return "ERROR: set requires at least one --key=value"
	}

	var failures []string
	for _, arg := range rest {
		key, value, ok := strings.Cut(trimFlagPrefix(arg), "=")
		if !ok {
			return fmt.Sprintf("ERROR: %v", fmt.Errorf("%w: %s", ErrMalformedCommand, arg))
		}
		if err := s.registry.Set(id, key, value); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return "ERROR: " + strings.Join(failures, "; ")
	}
	return "OK"
}

func cmdGet(s *Server, c *connection, args []string) string {
	id, rest, err := extractID(args)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	if id < 0 {
		return "ERROR: get requires --id"
	}
	if len(rest) == 0 {
		return "ERROR: get requires at least one --key or --actual"
	}

	keys := make([]string, len(rest))
	for i, arg := range rest {
		keys[i] = trimFlagPrefix(arg)
	}

	values, err := s.registry.GetMulti(id, keys)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s=%s", name, values[name]))
	}
	return strings.Join(lines, "\n")
}

// extractID pulls a "--id=N" flag out of an order-independent argument
// list, returning the remaining arguments untouched. id is -1 if no
// --id flag was present.
func extractID(args []string) (id int, rest []string, err error) {
	id = -1
	for _, arg := range args {
		trimmed := trimFlagPrefix(arg)
		key, value, ok := strings.Cut(trimmed, "=")
		if ok && key == "id" {
			n, convErr := strconv.Atoi(value)
			if convErr != nil {
				return 0, nil, fmt.Errorf("%w: invalid id %s", ErrMalformedCommand, value)
			}
			id = n
			continue
		}
		rest = append(rest, arg)
	}
	return id, rest, nil
}

func trimFlagPrefix(arg string) string {
	return strings.TrimPrefix(strings.TrimPrefix(arg, "--"), "-")
}
