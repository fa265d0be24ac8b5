package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ergochat/readline"
	"github.com/sanity-io/litter"
	"github.com/stefantrew2/swarm"
	"github.com/stefantrew2/swarm/network"
	"github.com/stefantrew2/swarm/opstream"
	"github.com/stefantrew2/swarm/protocol"
)

var ErrUnknownCommand = errors.New("command unknown, try help")
var ErrNoStore = errors.New("no op log, start with --dir")

var (
	HelpListen     = errors.New("listen tcp://:7070")
	HelpUnlisten   = errors.New("unlisten tcp://:7070")
	HelpConnect    = errors.New("connect tcp://host:7070")
	HelpDisconnect = errors.New("disconnect <session name>")
	HelpPut        = errors.New(`put .lww#1D4ICC-XU5eRJ@1D4ICCE-XU5eRJ:keyA"valueA"`)
	HelpShow       = errors.New("show 1D4ICC-XU5eRJ")
	HelpBlock      = errors.New("block <origin>")
	HelpWatch      = errors.New("watch on|off")
)

const help = `listen <addr>       accept peers
unlisten <addr>     stop accepting
connect <addr>      keep a connection to a peer
disconnect <name>   drop a session
peers               list sessions
put <frame>         submit ops, abbreviated against the previous put
show <object>       list the stored ops of an object
vv [<vv>]           stored version vector, or what it lacks of <vv>
block <origin>      drop ops minted by origin
unblock <origin>
watch on|off        print ops as they pass
dump                host state
exit`

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("listen"),
	readline.PcItem("unlisten"),
	readline.PcItem("connect"),
	readline.PcItem("disconnect"),
	readline.PcItem("peers"),

	readline.PcItem("put"),
	readline.PcItem("show"),
	readline.PcItem("vv"),

	readline.PcItem("block"),
	readline.PcItem("unblock"),
	readline.PcItem("watch", readline.PcItem("on"), readline.PcItem("off")),
	readline.PcItem("dump"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

// Console runs one command line at a time against a host.
type Console struct {
	host    *swarm.Host
	out     io.Writer
	dec     protocol.Decoder
	unwatch func()
}

func NewConsole(host *swarm.Host, out io.Writer) *Console {
	return &Console{host: host, out: out}
}

func splitCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	ws := strings.IndexAny(line, " \t")
	if ws < 0 {
		return line, ""
	}
	return line[:ws], strings.TrimSpace(line[ws:])
}

// Exec runs a command; io.EOF means the console is done.
func (c *Console) Exec(line string) (err error) {
	cmd, arg := splitCommand(line)
	switch cmd {
	case "":
	case "help":
		c.printf("%s\n", help)
	case "exit", "quit":
		err = io.EOF
	// ----- networking -----
	case "listen":
		err = c.withArg(arg, HelpListen, c.host.Listen)
	case "unlisten":
		err = c.withArg(arg, HelpUnlisten, c.host.Unlisten)
	case "connect":
		err = c.withArg(arg, HelpConnect, c.host.Connect)
	case "disconnect":
		err = c.withArg(arg, HelpDisconnect, c.host.Disconnect)
	case "peers":
		for _, name := range c.host.Sessions() {
			c.printf("%s\n", name)
		}
	// ----- ops -----
	case "put":
		err = c.put(arg)
	case "show":
		err = c.show(arg)
	case "vv":
		err = c.vv(arg)
	case "block":
		err = c.withArg(arg, HelpBlock, func(origin string) error {
			c.host.Block(origin)
			return nil
		})
	case "unblock":
		err = c.withArg(arg, HelpBlock, func(origin string) error {
			c.host.Unblock(origin)
			return nil
		})
	// ----- debug -----
	case "watch":
		err = c.watch(arg)
	case "dump":
		c.dump()
	default:
		err = ErrUnknownCommand
	}
	return
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *Console) withArg(arg string, usage error, fn func(string) error) error {
	if arg == "" {
		return usage
	}
	return fn(arg)
}

func (c *Console) put(arg string) error {
	if arg == "" {
		return HelpPut
	}
	ops, err := c.dec.Decode([]byte(arg))
	if err != nil {
		return err
	}
	if err = c.host.Submit(ops...); err != nil {
		return err
	}
	for _, op := range ops {
		c.printf("%s\n", op.String())
	}
	return nil
}

func (c *Console) show(arg string) error {
	if arg == "" {
		return HelpShow
	}
	if c.host.Store() == nil {
		return ErrNoStore
	}
	oid, err := protocol.ParseUID(arg)
	if err != nil {
		return err
	}
	ops, err := c.host.Store().Object(oid)
	if err != nil {
		return err
	}
	for _, op := range ops {
		c.printf("%s\n", op.String())
	}
	return nil
}

// vv prints the stored version vector or, given another one, the
// entries of it the store is behind on.
func (c *Console) vv(arg string) error {
	if c.host.Store() == nil {
		return ErrNoStore
	}
	vv, err := c.host.Store().VersionVector()
	if err != nil {
		return err
	}
	if arg == "" {
		c.printf("%s\n", vv.String())
		return nil
	}
	other, err := protocol.ParseVV(arg)
	if err != nil {
		return err
	}
	if behind := vv.Behind(other); len(behind) > 0 {
		c.printf("behind %s\n", behind.String())
	} else {
		c.printf("seen\n")
	}
	return nil
}

func (c *Console) watch(arg string) error {
	switch arg {
	case "on":
		if c.unwatch == nil {
			c.unwatch = c.host.Watch(opstream.DrainerFunc(func(ops []protocol.Op) error {
				for _, op := range ops {
					c.printf("> %s\n", op.String())
				}
				return nil
			}))
		}
	case "off":
		if c.unwatch != nil {
			c.unwatch()
			c.unwatch = nil
		}
	default:
		return HelpWatch
	}
	return nil
}

type hostState struct {
	Sessions []string
	Blocked  []string
	Level    int
	Net      network.NetStats
	VV       string
}

func (c *Console) dump() {
	state := hostState{
		Sessions: c.host.Sessions(),
		Blocked:  c.host.Blocked(),
		Level:    c.host.Level(),
		Net:      c.host.Net().GetStats(),
	}
	if c.host.Store() != nil {
		if vv, err := c.host.Store().VersionVector(); err == nil {
			state.VV = vv.String()
		}
	}
	c.printf("%s\n", litter.Sdump(state))
}

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// Run reads commands until exit or EOF.
func (c *Console) Run() (err error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".swarm_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	rl.CaptureExitSignal()
	c.out = rl.Stdout()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) && len(line) != 0 {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				return nil
			}
			return err
		}
		if err = c.Exec(line); errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			c.printf("%s\n", err.Error())
		}
	}
}

// RunScript executes the lines of r, stopping at the first failure.
func (c *Console) RunScript(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := c.Exec(scanner.Text()); errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
	}
	return scanner.Err()
}
