package main

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/client"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/negotiation"
)

// rosterPrinter renders the room roster as a table on every change and
// tracks the negotiation phase of each peer for the table's last column.
type rosterPrinter struct {
	client.NopEvents

	out io.Writer

	mu     sync.Mutex
	room   domain.RoomID
	names  domain.NameMap
	phases map[domain.ConnID]negotiation.Phase
}

func newRosterPrinter(out io.Writer) *rosterPrinter {
	return &rosterPrinter{out: out, phases: make(map[domain.ConnID]negotiation.Phase)}
}

func (p *rosterPrinter) RosterChanged(room domain.RoomID, names domain.NameMap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.room = room
	p.names = names
	p.render()
}

func (p *rosterPrinter) MemberCount(room domain.RoomID, count int) {
	log.Info().Str("module", "peer").Str("room", string(room)).Int("count", count).Msg("member count")
}

func (p *rosterPrinter) PeerPhase(remote domain.ConnID, phase negotiation.Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases[remote] = phase
	if phase == negotiation.PhaseConnected {
		p.render()
	}
}

func (p *rosterPrinter) PeerFailed(remote domain.ConnID, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.phases, remote)
	fmt.Fprintf(p.out, "peer %s failed: %v\n", p.label(remote), err)
}

func (p *rosterPrinter) PeerLeft(remote domain.ConnID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.phases, remote)
	fmt.Fprintf(p.out, "peer %s left\n", p.label(remote))
}

func (p *rosterPrinter) label(id domain.ConnID) string {
	if name, ok := p.names[id]; ok {
		return fmt.Sprintf("%s (%s)", name, id)
	}
	return string(id)
}

func (p *rosterPrinter) render() {
	ids := make([]domain.ConnID, 0, len(p.names))
	for id := range p.names {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return p.names[ids[i]] < p.names[ids[j]] })

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetTitle("Room " + string(p.room))
	t.AppendHeader(table.Row{"#", "Name", "Connection", "Session"})
	for i, id := range ids {
		session := "-"
		if ph, ok := p.phases[id]; ok {
			session = ph.String()
		}
		t.AppendRow(table.Row{i + 1, p.names[id], id, session})
	}
	t.AppendFooter(table.Row{"", "Total", len(ids), ""})
	t.SetStyle(table.StyleLight)
	t.Render()
}
