// Package simulator runs a complete terminal against an in-process authority
// in an interactive TUI: a simulated reader, simulated tags and a simulated
// relay, with the real control loop, protocol and state machines in between.
package simulator

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/offenewerkstatt/maco/internal/authority"
	"github.com/offenewerkstatt/maco/internal/cloud"
	"github.com/offenewerkstatt/maco/internal/fsm"
	"github.com/offenewerkstatt/maco/internal/machine"
	"github.com/offenewerkstatt/maco/internal/nfc"
	"github.com/offenewerkstatt/maco/internal/session"
	"github.com/offenewerkstatt/maco/internal/terminal"
	"github.com/offenewerkstatt/maco/pkg/diversify"
)

const tickInterval = 100 * time.Millisecond

// Options configures the simulated terminal.
type Options struct {
	MachineID           string
	RequiredPermissions []string
	SystemName          string
	HistoryPath         string
}

type tickMsg time.Time

// Model is the bubbletea model driving the simulation.
type Model struct {
	opts Options

	reader     *nfc.SimReader
	knownTag   *nfc.SimTag
	unknownTag *nfc.SimTag
	relay      *machine.SimRelay

	worker *nfc.Worker
	coord  *session.Coordinator
	usage  *machine.Usage
	term   *terminal.Terminal

	authSrv  *http.Server
	listener net.Listener

	tapped string
	done   bool
}

// New builds the fully wired simulation: authority, provisioned tag, reader,
// worker, coordinator and machine usage.
func New(opts Options) (*Model, error) {
	master := make([]byte, diversify.KeySize)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("master key generation failed: %w", err)
	}

	knownUID := [7]byte{0x04, 0xc3, 0x39, 0xaa, 0x1e, 0x18, 0x90}
	knownKeys, err := diversify.Keys(master, opts.SystemName, knownUID[:])
	if err != nil {
		return nil, err
	}

	unknownUID := [7]byte{0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	unknownKeys, err := diversify.Keys(master, opts.SystemName, unknownUID[:])
	if err != nil {
		return nil, err
	}

	store := authority.NewStore()
	store.AddUser(authority.User{
		ID:          "sim-user",
		Label:       "Simulierte Person",
		Permissions: opts.RequiredPermissions,
	})
	store.AddTag(authority.TagRecord{
		UID:     knownUID,
		AuthKey: knownKeys[diversify.KeyAuthorization],
		UserID:  "sim-user",
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("authority listen failed: %w", err)
	}
	authSrv := &http.Server{
		Handler:           authority.NewServer(store).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = authSrv.Serve(listener) }()

	reader := nfc.NewSimReader()
	worker := nfc.NewWorker(reader, func(uid [7]byte) ([]byte, error) {
		return diversify.Key(master, opts.SystemName, uid[:], diversify.KeyTerminal)
	})

	client := cloud.NewClient("http://"+listener.Addr().String(), "")
	coord := session.NewCoordinator(worker, session.NewRegistry(), client)

	relay := machine.NewSimRelay()
	history := machine.LoadHistory(opts.HistoryPath, opts.MachineID)
	usage := machine.NewUsage(opts.MachineID, opts.RequiredPermissions, relay, history, client)

	return &Model{
		opts:   opts,
		reader: reader,
		knownTag: nfc.NewSimTag(knownUID, map[byte][]byte{
			nfc.KeySlotTerminal:      knownKeys[diversify.KeyTerminal],
			nfc.KeySlotAuthorization: knownKeys[diversify.KeyAuthorization],
		}),
		unknownTag: nfc.NewSimTag(unknownUID, map[byte][]byte{
			nfc.KeySlotTerminal:      unknownKeys[diversify.KeyTerminal],
			nfc.KeySlotAuthorization: unknownKeys[diversify.KeyAuthorization],
		}),
		relay:    relay,
		worker:   worker,
		coord:    coord,
		usage:    usage,
		term:     terminal.New(worker, coord, usage),
		authSrv:  authSrv,
		listener: listener,
	}, nil
}

// Init schedules the first control-loop tick.
func (m *Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles key presses and control-loop ticks.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.done = true
			_ = m.authSrv.Close()

			return m, tea.Quit
		case "t":
			m.reader.Tap(m.knownTag)
			m.tapped = "provisioned"
		case "u":
			m.reader.Tap(m.unknownTag)
			m.tapped = "unknown"
		case "r":
			m.reader.Remove()
			m.tapped = ""
		case "c":
			if fsm.Is[machine.Active](m.usage.Snapshot()) {
				_ = m.usage.CheckOut(machine.ReasonUI)
			}
		}

		return m, nil
	case tickMsg:
		m.term.Tick()

		return m, tick()
	}

	return m, nil
}

// View renders the terminal's live state.
func (m *Model) View() string {
	if m.done {
		return "Simulation stopped.\n"
	}

	relayOn, _ := m.relay.Read()

	s := fmt.Sprintf("Machine Access Terminal Simulator (%s)\n", m.opts.MachineID)
	s += "========================================\n\n"

	if m.tapped == "" {
		s += "Tag field:   empty\n"
	} else {
		s += fmt.Sprintf("Tag field:   %s tag present\n", m.tapped)
	}
	s += fmt.Sprintf("NFC:         %s\n", describeNFC(m.worker.Snapshot()))
	s += fmt.Sprintf("Session:     %s\n", describeCoordinator(m.coord.Snapshot()))
	s += fmt.Sprintf("Machine:     %s\n", describeUsage(m.usage.Snapshot()))
	s += fmt.Sprintf("Relay:       %s\n", onOff(relayOn))

	s += "\nKeys: t tap tag, u tap unknown tag, r remove tag, c check out, q quit\n"

	return s
}

func describeNFC(h fsm.Handle) string {
	switch st := h.State().(type) {
	case nfc.WaitForTag:
		return "waiting for tag"
	case nfc.TerminalAuthenticated:
		return fmt.Sprintf("tag %x authenticated", st.UID)
	case nfc.TagError:
		return fmt.Sprintf("tag %x failed: %v", st.UID, st.Err)
	default:
		return fmt.Sprintf("%T", st)
	}
}

func describeCoordinator(h fsm.Handle) string {
	switch st := h.State().(type) {
	case session.Idle:
		return "idle"
	case session.WaitingForTag:
		return "tag detected"
	case session.AuthenticatingTag:
		return "authenticating against cloud..."
	case session.SessionActive:
		return fmt.Sprintf("%s (%s)", st.Session.UserLabel, st.Session.ID)
	case session.Rejected:
		return "rejected: " + st.Message
	default:
		return fmt.Sprintf("%T", st)
	}
}

func describeUsage(h fsm.Handle) string {
	switch st := h.State().(type) {
	case machine.Idle:
		return "locked"
	case machine.Active:
		return fmt.Sprintf("unlocked for %s since %s", st.Session.UserLabel,
			st.Start.Format("15:04:05"))
	case machine.Denied:
		return "denied: " + st.Message
	default:
		return fmt.Sprintf("%T", st)
	}
}

func onOff(on bool) string {
	if on {
		return "ON"
	}

	return "off"
}

// Run starts the interactive simulation and blocks until the user quits.
func Run(opts Options) error {
	model, err := New(opts)
	if err != nil {
		return err
	}

	p := tea.NewProgram(model)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("simulator failed: %w", err)
	}

	return nil
}
