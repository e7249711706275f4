// Package presence owns room membership, per-room display name uniqueness
// and connection liveness bookkeeping.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Options struct {
	LivenessWindow  time.Duration
	StalenessWindow time.Duration
	PurgeInterval   time.Duration
	Now             func() time.Time
	Metrics         *metrics.Metrics
}

// Registry is safe for concurrent use. Requests for the same room are
// serialized on that room's lock; different rooms proceed in parallel.
type Registry struct {
	opts  Options
	conns core.ConnTracker
	relay core.Relay

	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState

	idxMu sync.Mutex
	index map[domain.ConnID]map[domain.RoomID]domain.UserID

	live *livenessTable
}

func NewRegistry(opts Options, conns core.ConnTracker, relay core.Relay) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = 5 * time.Second
	}
	if opts.StalenessWindow < opts.LivenessWindow {
		opts.StalenessWindow = 2 * opts.LivenessWindow
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = opts.LivenessWindow
	}
	return &Registry{
		opts:  opts,
		conns: conns,
		relay: relay,
		rooms: make(map[domain.RoomID]*roomState),
		index: make(map[domain.ConnID]map[domain.RoomID]domain.UserID),
		live:  newLivenessTable(),
	}
}

// acquire returns the locked state for id, creating it when missing.
func (r *Registry) acquire(id domain.RoomID) (*roomState, bool) {
	for {
		created := false
		r.mu.RLock()
		room, ok := r.rooms[id]
		r.mu.RUnlock()
		if !ok {
			r.mu.Lock()
			if room, ok = r.rooms[id]; !ok {
				room = newRoomState(id)
				r.rooms[id] = room
				created = true
				r.opts.Metrics.RoomCreated()
			}
			r.mu.Unlock()
		}
		room.mu.Lock()
		if !room.deleted {
			return room, created
		}
		room.mu.Unlock()
	}
}

// lookup returns the locked state for an existing room.
func (r *Registry) lookup(id domain.RoomID) (*roomState, bool) {
	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	room.mu.Lock()
	if room.deleted {
		room.mu.Unlock()
		return nil, false
	}
	return room, true
}

// dropIfEmpty must be called with room.mu held.
func (r *Registry) dropIfEmpty(room *roomState) bool {
	if room.count() > 0 {
		return false
	}
	room.deleted = true
	r.mu.Lock()
	if r.rooms[room.id] == room {
		delete(r.rooms, room.id)
	}
	r.mu.Unlock()
	r.opts.Metrics.RoomDeleted()
	log.Info().Str("module", "app.presence").Str("room", string(room.id)).Msg("room deleted")
	return true
}

func (r *Registry) connected(id domain.ConnID) bool {
	if r.conns == nil {
		return true
	}
	return r.conns.Connected(id)
}

// CreateOrJoin validates and registers a connection in a room.
func (r *Registry) CreateOrJoin(req domain.JoinRequest) (*domain.JoinResult, error) {
	if err := domain.ValidateRoomID(req.Room); err != nil {
		return nil, err
	}
	user, err := domain.NewUser(req.UserID, req.DisplayName)
	if err != nil {
		return nil, err
	}
	logger := log.With().
		Str("module", "app.presence").
		Str("room", string(req.Room)).
		Str("user", string(req.UserID)).
		Str("conn", string(req.Conn)).
		Logger()

	now := r.opts.Now()
	r.live.purge(now, r.opts.StalenessWindow)

	room, created := r.acquire(req.Room)
	defer room.mu.Unlock()

	// An orphan purge may empty the room. It stays registered for this
	// joiner; the rejection branches drop it again.
	if r.purgeOrphansLocked(room, false) > 0 && room.count() == 0 {
		created = true
	}

	if owner, taken := room.nameOwner(user.Username, req.Conn); taken && owner.User.ID != user.ID {
		logger.Warn().Str("name", user.Username).Str("owner", string(owner.Conn)).Msg("join rejected: name taken")
		r.dropIfEmpty(room)
		r.opts.Metrics.JoinRejected(domain.ReasonNameTaken)
		return nil, fmt.Errorf("join %s as %q: %w", req.Room, user.Username, domain.ErrNameTaken)
	}

	if prev, live := r.live.liveConn(user.ID, now, r.opts.LivenessWindow); live && prev != req.Conn && r.connected(prev) {
		logger.Warn().Str("live_conn", string(prev)).Msg("join rejected: duplicate connection")
		r.dropIfEmpty(room)
		r.opts.Metrics.JoinRejected(domain.ReasonDuplicateConnection)
		return nil, fmt.Errorf("join %s as user %s: %w", req.Room, user.ID, domain.ErrDuplicateConnection)
	}

	replaced := room.evictUser(user.ID, req.Conn)
	for _, stale := range replaced {
		r.unindex(stale, room.id)
		logger.Info().Str("stale_conn", string(stale)).Msg("replaced stale membership")
	}

	_, rejoin := room.members[req.Conn]
	room.members[req.Conn] = domain.NewMember(user, req.Conn)
	r.live.bind(user.ID, req.Conn, now)
	r.indexMember(req.Conn, room.id, user.ID)

	if created {
		logger.Info().Msg("room created")
	}
	r.opts.Metrics.JoinAccepted()
	logger.Info().Str("name", user.Username).Bool("rejoin", rejoin).Int("count", room.count()).Msg("member joined")

	res := &domain.JoinResult{
		Room:        room.id,
		RoomCreated: created,
		MemberCount: room.count(),
		Roster:      room.roster(),
		NameMap:     room.nameMap(),
		Replaced:    replaced,
	}
	r.broadcastLocked(room, protocol.MustEnvelope(protocol.TypeRosterUpdate, protocol.RosterUpdate{
		Room:    room.id,
		NameMap: res.NameMap,
	}))
	if !rejoin {
		r.broadcastLocked(room, protocol.MustEnvelope(protocol.TypeMemberCount, protocol.MemberCount{
			Room:   room.id,
			UserID: user.ID,
			Count:  res.MemberCount,
		}))
	}
	return res, nil
}

// Leave removes conn from room. It is idempotent and reports the resulting
// member count and whether a membership was actually removed.
func (r *Registry) Leave(id domain.RoomID, conn domain.ConnID) (int, bool) {
	room, ok := r.lookup(id)
	if !ok {
		return 0, false
	}
	defer room.mu.Unlock()

	m, ok := room.members[conn]
	if !ok {
		return room.count(), false
	}
	delete(room.members, conn)
	r.unindex(conn, id)

	logger := log.With().
		Str("module", "app.presence").
		Str("room", string(id)).
		Str("conn", string(conn)).
		Logger()
	count := room.count()
	logger.Info().Int("count", count).Msg("member left")

	if r.dropIfEmpty(room) {
		return 0, true
	}
	r.broadcastLocked(room, protocol.MustEnvelope(protocol.TypeMemberCount, protocol.MemberCount{
		Room:   id,
		UserID: m.User.ID,
		Count:  count,
	}))
	r.broadcastLocked(room, protocol.MustEnvelope(protocol.TypeRosterUpdate, protocol.RosterUpdate{
		Room:    id,
		NameMap: room.nameMap(),
	}))
	return count, true
}

// Disconnect removes conn from every room it belongs to and forgets its
// liveness record. It returns the rooms the connection was in.
func (r *Registry) Disconnect(conn domain.ConnID) []domain.RoomID {
	rooms := r.RoomsOf(conn)
	for _, id := range rooms {
		r.Leave(id, conn)
	}
	r.live.forget(conn)
	return rooms
}

// Roster returns the live membership of a room ordered by connection id.
func (r *Registry) Roster(id domain.RoomID) []domain.RosterEntry {
	room, ok := r.lookup(id)
	if !ok {
		return nil
	}
	defer room.mu.Unlock()
	return room.roster()
}

// Peers returns the connection ids in a room other than self.
func (r *Registry) Peers(id domain.RoomID, self domain.ConnID) []domain.ConnID {
	room, ok := r.lookup(id)
	if !ok {
		return nil
	}
	defer room.mu.Unlock()
	out := make([]domain.ConnID, 0, room.count())
	for _, c := range room.connIDs() {
		if c != self {
			out = append(out, c)
		}
	}
	return out
}

// IsMember reports whether conn currently belongs to room.
func (r *Registry) IsMember(id domain.RoomID, conn domain.ConnID) bool {
	room, ok := r.lookup(id)
	if !ok {
		return false
	}
	defer room.mu.Unlock()
	_, ok = room.members[conn]
	return ok
}

func (r *Registry) MemberCount(id domain.RoomID) int {
	room, ok := r.lookup(id)
	if !ok {
		return 0
	}
	defer room.mu.Unlock()
	return room.count()
}

func (r *Registry) List() []domain.RoomInfo {
	r.mu.RLock()
	rooms := make([]*roomState, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		if !room.deleted {
			out = append(out, domain.RoomInfo{ID: room.id, MemberCount: room.count()})
		}
		room.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Touch records activity on a connection.
func (r *Registry) Touch(conn domain.ConnID) {
	now := r.opts.Now()
	if r.live.touch(conn, now) {
		return
	}
	r.idxMu.Lock()
	var uid domain.UserID
	for _, u := range r.index[conn] {
		uid = u
		break
	}
	r.idxMu.Unlock()
	if uid != "" {
		r.live.rebind(uid, conn, now)
	}
}

// PurgeStale drops liveness records older than the staleness window and
// memberships whose connection no longer exists.
func (r *Registry) PurgeStale() int {
	n := r.live.purge(r.opts.Now(), r.opts.StalenessWindow)

	r.mu.RLock()
	rooms := make([]*roomState, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	for _, room := range rooms {
		room.mu.Lock()
		if !room.deleted {
			n += r.purgeOrphansLocked(room, true)
		}
		room.mu.Unlock()
	}
	if n > 0 {
		log.Debug().Str("module", "app.presence").Int("purged", n).Msg("purged stale records")
	}
	return n
}

// purgeOrphansLocked must be called with room.mu held. With drop set an
// emptied room is deleted.
func (r *Registry) purgeOrphansLocked(room *roomState, drop bool) int {
	var orphans []domain.ConnID
	for id := range room.members {
		if !r.connected(id) {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return 0
	}
	for _, id := range orphans {
		delete(room.members, id)
		r.unindex(id, room.id)
		log.Info().Str("module", "app.presence").Str("room", string(room.id)).Str("conn", string(id)).Msg("purged orphaned member")
	}
	if drop && r.dropIfEmpty(room) {
		return len(orphans)
	}
	if room.count() > 0 {
		r.broadcastLocked(room, protocol.MustEnvelope(protocol.TypeRosterUpdate, protocol.RosterUpdate{
			Room:    room.id,
			NameMap: room.nameMap(),
		}))
	}
	return len(orphans)
}

// Run purges on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.PurgeStale()
		}
	}
}

// SharesRoom reports whether a and b are members of at least one common room.
func (r *Registry) SharesRoom(a, b domain.ConnID) bool {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	for id := range r.index[a] {
		if _, ok := r.index[b][id]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) RoomsOf(conn domain.ConnID) []domain.RoomID {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	out := make([]domain.RoomID, 0, len(r.index[conn]))
	for id := range r.index[conn] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) indexMember(conn domain.ConnID, room domain.RoomID, uid domain.UserID) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	rooms, ok := r.index[conn]
	if !ok {
		rooms = make(map[domain.RoomID]domain.UserID)
		r.index[conn] = rooms
	}
	rooms[room] = uid
}

func (r *Registry) unindex(conn domain.ConnID, room domain.RoomID) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	rooms := r.index[conn]
	delete(rooms, room)
	if len(rooms) == 0 {
		delete(r.index, conn)
	}
}

// broadcastLocked fans env out to every member; room.mu must be held so
// updates for one room reach members in the order they were made.
func (r *Registry) broadcastLocked(room *roomState, env protocol.Envelope) {
	if r.relay == nil {
		return
	}
	sent, dropped := 0, 0
	for _, id := range room.connIDs() {
		if err := r.relay.Send(id, env); err != nil {
			dropped++
			log.Warn().Err(err).Str("module", "app.presence").Str("room", string(room.id)).Str("conn", string(id)).Str("type", env.Type).Msg("broadcast dropped")
			continue
		}
		sent++
	}
	log.Debug().Str("module", "app.presence").Str("room", string(room.id)).Str("type", env.Type).Int("sent_to", sent).Int("dropped", dropped).Msg("broadcast result")
}
