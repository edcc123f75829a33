// Package interactive provides the interactive command-line interface
// of sctp-mgmt.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/sctpmgmt/sctp-go/pkg/discovery"
	"github.com/sctpmgmt/sctp-go/pkg/management"
	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

// DefaultBrowseTimeout bounds the browse command when no timeout is given.
const DefaultBrowseTimeout = 3 * time.Second

// Shell handles interactive mode for sctp-mgmt.
type Shell struct {
	m       *management.Management
	browser discovery.Browser
	rl      *readline.Instance
	out     io.Writer
}

// New creates a readline-backed shell. browser may be nil, which disables
// the browse command.
func New(m *management.Management, browser discovery.Browser) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "sctp> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s := newShell(m, browser, rl.Stdout())
	s.rl = rl
	return s, nil
}

func newShell(m *management.Management, browser discovery.Browser, out io.Writer) *Shell {
	return &Shell{m: m, browser: browser, out: out}
}

// Stdout returns a writer that coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (s *Shell) Stdout() io.Writer {
	return s.out
}

// Run starts the interactive command loop. It calls cancel when the user
// quits or closes the input.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if !s.exec(ctx, line) {
			cancel()
			return
		}
	}
}

func completer() *readline.PrefixCompleter {
	names := []string{
		"help", "status", "servers", "server", "add-server", "rm-server", "start-server", "stop-server",
		"set-server", "assocs", "assoc", "add-client", "add-peer", "rm-assoc", "start", "stop",
		"set-peer", "move", "send", "anon", "kick", "set", "browse", "reset", "quit",
	}
	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, n := range names {
		if n == "set" {
			items = append(items, readline.PcItem(n,
				readline.PcItem("delay"), readline.PcItem("buffer"), readline.PcItem("thresholds"),
				readline.PcItem("streams"), readline.PcItem("nofrag")))
			continue
		}
		items = append(items, readline.PcItem(n))
	}
	return readline.NewPrefixCompleter(items...)
}

// exec runs one command line. It returns false when the shell should exit.
func (s *Shell) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		s.printHelp()
	case "status":
		s.cmdStatus()
	case "servers":
		s.cmdServers()
	case "server":
		err = s.cmdServer(args)
	case "add-server":
		err = s.cmdAddServer(args)
	case "rm-server":
		err = s.withName(args, "rm-server <name>", s.m.RemoveServer)
	case "start-server":
		err = s.withName(args, "start-server <name>", s.m.StartServer)
	case "stop-server":
		err = s.withName(args, "stop-server <name>", s.m.StopServer)
	case "set-server":
		err = s.cmdSetServer(args)
	case "assocs", "ls":
		s.cmdAssociations()
	case "assoc":
		err = s.cmdAssociation(args)
	case "add-client":
		err = s.cmdAddClient(args)
	case "add-peer":
		err = s.cmdAddPeer(args)
	case "rm-assoc":
		err = s.withName(args, "rm-assoc <name>", s.m.RemoveAssociation)
	case "start":
		err = s.withName(args, "start <association>", s.m.StartAssociation)
	case "stop":
		err = s.withName(args, "stop <association>", s.m.StopAssociation)
	case "set-peer":
		err = s.cmdSetPeer(args)
	case "move":
		err = s.cmdMove(args)
	case "send":
		err = s.cmdSend(args)
	case "anon":
		err = s.cmdAnonymous(args)
	case "kick":
		err = s.cmdKick(args)
	case "set":
		err = s.cmdSet(args)
	case "browse":
		err = s.cmdBrowse(ctx, args)
	case "reset":
		err = s.m.RemoveAllResources()
	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
		return true
	}

	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return true
}

// usageError reports wrong arguments.
type usageError string

func (e usageError) Error() string { return "usage: " + string(e) }

func (s *Shell) withName(args []string, usage string, fn func(string) error) error {
	if len(args) != 1 {
		return usageError(usage)
	}
	if err := fn(args[0]); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
SCTP Management Commands:
  Servers:
    servers                                    - List servers
    server <name>                              - Show server details
    add-server <name> <addr> <port> [sctp|tcp] [max-anonymous] [extra-addr...]
                                               - Add a server (max-anonymous < 0 rejects anonymous peers)
    rm-server <name>                           - Remove a stopped server
    start-server <name>                        - Start listening
    stop-server <name>                         - Stop listening
    set-server <name> <addr> <port>            - Change a stopped server's endpoint

  Associations:
    assocs                                     - List associations
    assoc <name>                               - Show association details
    add-client <name> <local-addr> <local-port> <peer-addr> <peer-port> [sctp|tcp]
                                               - Add a client association
    add-peer <name> <server> <peer-addr> <peer-port>
                                               - Add a server association (peer port 0 = any)
    rm-assoc <name>                            - Remove a stopped association
    start <name>                               - Start an association
    stop <name>                                - Stop an association
    set-peer <name> <addr> <port>              - Change a stopped association's peer
    move <name> <server>                       - Move a stopped server association
    send <name> <stream> <ppid> <text...>      - Send a payload

  Anonymous peers:
    anon <server>                              - List anonymous associations
    kick <name>                                - Stop an anonymous association

  Settings:
    set delay <duration>                       - Connect delay (e.g. 5s)
    set buffer <bytes>                         - Buffer size
    set thresholds <a1> <a2> <a3> <d1> <d2> <d3> - Congestion thresholds (seconds)
    set streams <in> <out>                     - Maximum stream counts
    set nofrag <on|off>                        - Disable SCTP fragmentation

  General:
    browse [sctp|tcp] [timeout]                - Browse advertised servers
    status                                     - Show service status
    reset                                      - Remove all servers and associations
    help                                       - Show this help
    quit                                       - Exit`)
}

func (s *Shell) cmdStatus() {
	t := s.m.CongestionThresholds()
	opts := s.m.SocketOptions()
	fmt.Fprintf(s.out, "Management: %s (started: %v)\n", s.m.Name(), s.m.IsStarted())
	fmt.Fprintf(s.out, "  Servers:        %d\n", len(s.m.Servers()))
	fmt.Fprintf(s.out, "  Associations:   %d\n", len(s.m.Associations()))
	fmt.Fprintf(s.out, "  Connect delay:  %s\n", s.m.ConnectDelay())
	fmt.Fprintf(s.out, "  Buffer size:    %d\n", s.m.BufferSize())
	fmt.Fprintf(s.out, "  Thresholds:     asc=%v desc=%v\n", t.Ascending, t.Descending)
	fmt.Fprintf(s.out, "  Streams:        in=%d out=%d\n", opts.MaxInboundStreams, opts.MaxOutboundStreams)
	fmt.Fprintf(s.out, "  No fragmenting: %v\n", opts.DisableFragmentation)
}

func (s *Shell) cmdServers() {
	servers := s.m.Servers()
	if len(servers) == 0 {
		fmt.Fprintln(s.out, "No servers")
		return
	}
	fmt.Fprintf(s.out, "\nServers (%d):\n", len(servers))
	for _, info := range servers {
		fmt.Fprintf(s.out, "  %-16s %s %s:%d started=%v associations=%d anonymous=%d\n",
			info.Name, info.ChannelType, info.Address, info.Port, info.Started,
			len(info.Associations), info.AnonymousCount)
	}
}

func (s *Shell) cmdServer(args []string) error {
	if len(args) != 1 {
		return usageError("server <name>")
	}
	info, err := s.m.Server(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Server: %s\n", info.Name)
	fmt.Fprintf(s.out, "  Endpoint:     %s %s:%d\n", info.ChannelType, info.Address, info.Port)
	if len(info.ExtraAddresses) > 0 {
		fmt.Fprintf(s.out, "  Extra:        %s\n", strings.Join(info.ExtraAddresses, ", "))
	}
	fmt.Fprintf(s.out, "  Started:      %v\n", info.Started)
	if len(info.ListenAddrs) > 0 {
		fmt.Fprintf(s.out, "  Listening:    %s\n", strings.Join(info.ListenAddrs, ", "))
	}
	if info.AcceptAnonymous {
		fmt.Fprintf(s.out, "  Anonymous:    %d (max %d)\n", info.AnonymousCount, info.MaxConcurrentConnections)
	} else {
		fmt.Fprintln(s.out, "  Anonymous:    rejected")
	}
	if len(info.Associations) > 0 {
		fmt.Fprintf(s.out, "  Associations: %s\n", strings.Join(info.Associations, ", "))
	}
	return nil
}

func parseChannel(args []string, i int) (management.ChannelType, error) {
	if len(args) <= i {
		return management.ChannelSCTP, nil
	}
	return management.ParseChannelType(args[i])
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

func (s *Shell) cmdAddServer(args []string) error {
	const usage = "add-server <name> <addr> <port> [sctp|tcp] [max-anonymous] [extra-addr...]"
	if len(args) < 3 {
		return usageError(usage)
	}
	port, err := parsePort(args[2])
	if err != nil {
		return err
	}
	ct, err := parseChannel(args, 3)
	if err != nil {
		return err
	}
	accept, maxAnon := false, 0
	if len(args) > 4 {
		n, err := strconv.Atoi(args[4])
		if err != nil {
			return usageError(usage)
		}
		accept, maxAnon = n >= 0, max(n, 0)
	}
	var extra []string
	if len(args) > 5 {
		extra = args[5:]
	}

	info, err := s.m.AddServer(args[0], args[1], port, ct, accept, maxAnon, extra)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Added server %s (%s %s:%d)\n", info.Name, info.ChannelType, info.Address, info.Port)
	return nil
}

func (s *Shell) cmdSetServer(args []string) error {
	if len(args) != 3 {
		return usageError("set-server <name> <addr> <port>")
	}
	port, err := parsePort(args[2])
	if err != nil {
		return err
	}
	if err := s.m.ModifyServer(args[0], management.ServerChanges{Address: &args[1], Port: &port}); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *Shell) cmdAssociations() {
	assocs := s.m.Associations()
	if len(assocs) == 0 {
		fmt.Fprintln(s.out, "No associations")
		return
	}
	fmt.Fprintf(s.out, "\nAssociations (%d):\n", len(assocs))
	for _, a := range assocs {
		fmt.Fprintf(s.out, "  %-16s %-7s %s %s:%d -> %s:%d %s\n",
			a.Name(), a.Type(), a.ChannelType(), a.LocalAddress(), a.LocalPort(),
			a.PeerAddress(), a.PeerPort(), a.State())
	}
}

func (s *Shell) cmdAssociation(args []string) error {
	if len(args) != 1 {
		return usageError("assoc <name>")
	}
	a, err := s.m.Association(args[0])
	if err != nil {
		return err
	}
	s.printAssociation(a)
	return nil
}

func (s *Shell) printAssociation(a *management.Association) {
	in, out := a.Streams()
	fmt.Fprintf(s.out, "Association: %s\n", a.Name())
	fmt.Fprintf(s.out, "  Type:       %s\n", a.Type())
	if server := a.ServerName(); server != "" {
		fmt.Fprintf(s.out, "  Server:     %s\n", server)
	}
	fmt.Fprintf(s.out, "  Local:      %s:%d\n", a.LocalAddress(), a.LocalPort())
	fmt.Fprintf(s.out, "  Peer:       %s:%d\n", a.PeerAddress(), a.PeerPort())
	fmt.Fprintf(s.out, "  Channel:    %s\n", a.ChannelType())
	fmt.Fprintf(s.out, "  Started:    %v\n", a.IsStarted())
	fmt.Fprintf(s.out, "  State:      %s\n", a.State())
	if a.IsConnected() {
		fmt.Fprintf(s.out, "  Streams:    in=%d out=%d\n", in, out)
		fmt.Fprintf(s.out, "  Congestion: %d\n", a.CongestionLevel())
	}
}

func (s *Shell) cmdAddClient(args []string) error {
	if len(args) < 5 {
		return usageError("add-client <name> <local-addr> <local-port> <peer-addr> <peer-port> [sctp|tcp]")
	}
	localPort, err := parsePort(args[2])
	if err != nil {
		return err
	}
	peerPort, err := parsePort(args[4])
	if err != nil {
		return err
	}
	ct, err := parseChannel(args, 5)
	if err != nil {
		return err
	}
	a, err := s.m.AddAssociation(args[1], localPort, args[3], peerPort, args[0], ct, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Added client association %s\n", a.Name())
	return nil
}

func (s *Shell) cmdAddPeer(args []string) error {
	if len(args) != 4 {
		return usageError("add-peer <name> <server> <peer-addr> <peer-port>")
	}
	info, err := s.m.Server(args[1])
	if err != nil {
		return err
	}
	peerPort, err := parsePort(args[3])
	if err != nil {
		return err
	}
	a, err := s.m.AddServerAssociation(args[2], peerPort, args[1], args[0], info.ChannelType)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Added server association %s on %s\n", a.Name(), info.Name)
	return nil
}

func (s *Shell) cmdSetPeer(args []string) error {
	if len(args) != 3 {
		return usageError("set-peer <name> <addr> <port>")
	}
	a, err := s.m.Association(args[0])
	if err != nil {
		return err
	}
	port, err := parsePort(args[2])
	if err != nil {
		return err
	}
	if a.Type() == management.AssociationClient {
		err = s.m.ModifyAssociation(args[0], management.AssociationChanges{PeerAddress: &args[1], PeerPort: &port})
	} else {
		err = s.m.ModifyServerAssociation(args[0], management.ServerAssociationChanges{PeerAddress: &args[1], PeerPort: &port})
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *Shell) cmdMove(args []string) error {
	if len(args) != 2 {
		return usageError("move <name> <server>")
	}
	if err := s.m.ModifyServerAssociation(args[0], management.ServerAssociationChanges{Server: &args[1]}); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *Shell) cmdSend(args []string) error {
	if len(args) < 4 {
		return usageError("send <name> <stream> <ppid> <text...>")
	}
	a, err := s.m.Association(args[0])
	if err != nil {
		return err
	}
	stream, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid stream %q", args[1])
	}
	ppid, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid ppid %q", args[2])
	}
	text := strings.Join(args[3:], " ")
	if err := a.Send(wire.NewPayloadData([]byte(text), true, false, uint32(ppid), stream)); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Sent %d bytes on stream %d\n", len(text), stream)
	return nil
}

func (s *Shell) cmdAnonymous(args []string) error {
	if len(args) != 1 {
		return usageError("anon <server>")
	}
	assocs, err := s.m.AnonymousAssociations(args[0])
	if err != nil {
		return err
	}
	if len(assocs) == 0 {
		fmt.Fprintln(s.out, "No anonymous associations")
		return nil
	}
	for _, a := range assocs {
		fmt.Fprintf(s.out, "  %s from %s:%d %s\n", a.Name(), a.PeerAddress(), a.PeerPort(), a.State())
	}
	return nil
}

func (s *Shell) cmdKick(args []string) error {
	if len(args) != 1 {
		return usageError("kick <name>")
	}
	for _, info := range s.m.Servers() {
		assocs, err := s.m.AnonymousAssociations(info.Name)
		if err != nil {
			continue
		}
		for _, a := range assocs {
			if a.Name() == args[0] {
				if err := a.StopAnonymous(); err != nil {
					return err
				}
				fmt.Fprintln(s.out, "OK")
				return nil
			}
		}
	}
	return fmt.Errorf("%w: anonymous association %q", management.ErrNotFound, args[0])
}

func (s *Shell) cmdSet(args []string) error {
	if len(args) < 2 {
		return usageError("set <delay|buffer|thresholds|streams|nofrag> <value...>")
	}
	var err error
	switch args[0] {
	case "delay":
		var d time.Duration
		if d, err = time.ParseDuration(args[1]); err == nil {
			err = s.m.SetConnectDelay(d)
		}
	case "buffer":
		var n int
		if n, err = strconv.Atoi(args[1]); err == nil {
			err = s.m.SetBufferSize(n)
		}
	case "thresholds":
		err = s.setThresholds(args[1:])
	case "streams":
		err = s.setStreams(args[1:])
	case "nofrag":
		opts := s.m.SocketOptions()
		switch args[1] {
		case "on":
			opts.DisableFragmentation = true
		case "off":
			opts.DisableFragmentation = false
		default:
			return usageError("set nofrag <on|off>")
		}
		err = s.m.SetSocketOptions(opts)
	default:
		return fmt.Errorf("unknown setting %q", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *Shell) setThresholds(args []string) error {
	if len(args) != 6 {
		return usageError("set thresholds <a1> <a2> <a3> <d1> <d2> <d3>")
	}
	t := s.m.CongestionThresholds()
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("invalid threshold %q", arg)
		}
		if i < 3 {
			t.Ascending[i] = v
		} else {
			t.Descending[i-3] = v
		}
	}
	return s.m.SetCongestionThresholds(t)
}

func (s *Shell) setStreams(args []string) error {
	if len(args) != 2 {
		return usageError("set streams <in> <out>")
	}
	in, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid stream count %q", args[0])
	}
	out, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid stream count %q", args[1])
	}
	opts := s.m.SocketOptions()
	opts.MaxInboundStreams, opts.MaxOutboundStreams = in, out
	return s.m.SetSocketOptions(opts)
}

func (s *Shell) cmdBrowse(ctx context.Context, args []string) error {
	if s.browser == nil {
		return errors.New("browsing is disabled")
	}
	channel := "SCTP"
	timeout := DefaultBrowseTimeout
	if len(args) > 0 {
		ct, err := management.ParseChannelType(args[0])
		if err != nil {
			return err
		}
		channel = ct.String()
	}
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid timeout %q", args[1])
		}
		timeout = d
	}

	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	found, err := s.browser.BrowseServers(bctx, channel)
	if err != nil {
		return err
	}

	fmt.Fprintf(s.out, "Browsing %s servers for %s...\n", channel, timeout)
	n := 0
	for svc := range found {
		n++
		fmt.Fprintf(s.out, "  %s (%s) %s port %d %s\n", svc.Instance, svc.Management, svc.Host, svc.Port,
			strings.Join(svc.Addresses, ","))
	}
	fmt.Fprintf(s.out, "Found %d server(s)\n", n)
	return nil
}
