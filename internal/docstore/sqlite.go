package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/storage"
)

var log = logging.Logger("docstore")

// DB is a document store over SQLite with live queries.
type DB struct {
	db  *storage.DB
	hub *hub
	now func() time.Time
}

type Option func(*DB)

// WithClock overrides the time source used for created/deleted timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

func New(db *storage.DB, opts ...Option) *DB {
	d := &DB{db: db, hub: newHub(), now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Close stops every live query. The underlying database is owned by the caller.
func (d *DB) Close() {
	d.hub.close()
}

// ListenerCount returns the number of open live queries.
func (d *DB) ListenerCount() int {
	return d.hub.count()
}

func ms(t time.Time) int64      { return t.UnixMilli() }
func fromMS(v int64) time.Time  { return time.UnixMilli(v) }
func placeholders(n int) string { return strings.TrimSuffix(strings.Repeat("?,", n), ",") }

// ── Reads ──

func (d *DB) Room(ctx context.Context, id string) (Room, error) {
	var (
		r       Room
		kind    string
		created int64
	)
	err := d.db.QueryRow(ctx, `SELECT id, kind, name, photo, admin_id, created_at FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &kind, &r.Name, &r.Photo, &r.AdminID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	r.Kind = RoomKind(kind)
	r.CreatedAt = fromMS(created)
	if err := d.fillRoom(ctx, &r); err != nil {
		return Room{}, err
	}
	return r, nil
}

// RoomsFor returns every room userID participates in, oldest first.
func (d *DB) RoomsFor(ctx context.Context, userID string) ([]Room, error) {
	rows, err := d.db.Query(ctx, `
		SELECT r.id, r.kind, r.name, r.photo, r.admin_id, r.created_at
		FROM rooms r JOIN room_participants p ON p.room_id = r.id
		WHERE p.user_id = ?
		ORDER BY r.created_at, r.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	var rooms []Room
	for rows.Next() {
		var (
			r       Room
			kind    string
			created int64
		)
		if err := rows.Scan(&r.ID, &kind, &r.Name, &r.Photo, &r.AdminID, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.Kind = RoomKind(kind)
		r.CreatedAt = fromMS(created)
		rooms = append(rooms, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	for i := range rooms {
		if err := d.fillRoom(ctx, &rooms[i]); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

func (d *DB) fillRoom(ctx context.Context, r *Room) error {
	var err error
	if r.Participants, err = d.strings(ctx, `SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY user_id`, r.ID); err != nil {
		return fmt.Errorf("room participants: %w", err)
	}
	if r.PinnedBy, err = d.strings(ctx, `SELECT user_id FROM room_flags WHERE room_id = ? AND field = ? ORDER BY user_id`, r.ID, string(PinnedBy)); err != nil {
		return fmt.Errorf("room pins: %w", err)
	}
	if r.MutedBy, err = d.strings(ctx, `SELECT user_id FROM room_flags WHERE room_id = ? AND field = ? ORDER BY user_id`, r.ID, string(MutedBy)); err != nil {
		return fmt.Errorf("room mutes: %w", err)
	}

	rows, err := d.db.Query(ctx, `SELECT user_id, deleted_at FROM room_tombstones WHERE room_id = ? ORDER BY seq`, r.ID)
	if err != nil {
		return fmt.Errorf("room tombstones: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m  DeleteMarker
			at int64
		)
		if err := rows.Scan(&m.UserID, &at); err != nil {
			return fmt.Errorf("scan tombstone: %w", err)
		}
		m.DeletedAt = fromMS(at)
		r.DeletedAt = append(r.DeletedAt, m)
	}
	return rows.Err()
}

func (d *DB) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := d.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Messages returns up to limit of the newest messages of a room, newest first.
func (d *DB) Messages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(ctx, `
		SELECT id, room_id, sender_id, kind, payload, created_at
		FROM messages WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var (
		msgs  []Message
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			m       Message
			kind    string
			payload string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &kind, &payload, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromMS(created)
		p, err := DecodePayload(PayloadKind(kind), []byte(payload))
		if err != nil {
			log.Warnf("message %s: %v", m.ID, err)
		}
		m.Payload = p
		index[m.ID] = len(msgs)
		msgs = append(msgs, m)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	ids := make([]any, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	drows, err := d.db.Query(ctx,
		`SELECT message_id, user_id, deleted_at FROM message_deletions WHERE message_id IN (`+placeholders(len(ids))+`) ORDER BY deleted_at`,
		ids...)
	if err != nil {
		return nil, fmt.Errorf("message deletions: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var (
			id string
			m  DeleteMarker
			at int64
		)
		if err := drows.Scan(&id, &m.UserID, &at); err != nil {
			return nil, fmt.Errorf("scan deletion: %w", err)
		}
		m.DeletedAt = fromMS(at)
		i := index[id]
		msgs[i].DeletedFor = append(msgs[i].DeletedFor, m)
	}
	return msgs, drows.Err()
}

func (d *DB) Profile(ctx context.Context, userID string) (Profile, error) {
	p := Profile{UserID: userID}
	err := d.db.QueryRow(ctx, `SELECT name, photo FROM profiles WHERE user_id = ?`, userID).Scan(&p.Name, &p.Photo)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// ── Live queries ──

// WatchRooms delivers the rooms userID participates in, now and after every change.
func (d *DB) WatchRooms(userID string, fn func([]Room, error)) Unsubscribe {
	return d.hub.add(roomsKey(userID), func() {
		fn(d.RoomsFor(context.Background(), userID))
	})
}

// WatchMessages delivers the newest limit messages of a room, newest first.
func (d *DB) WatchMessages(roomID string, limit int, fn func([]Message, error)) Unsubscribe {
	return d.hub.add(messagesKey(roomID), func() {
		fn(d.Messages(context.Background(), roomID, limit))
	})
}

// WatchProfile delivers a user's profile. A missing profile is delivered
// as ErrNotFound.
func (d *DB) WatchProfile(userID string, fn func(Profile, error)) Unsubscribe {
	return d.hub.add(profileKey(userID), func() {
		fn(d.Profile(context.Background(), userID))
	})
}

// ── Writes ──

// CreateRoom stores a new room. An empty ID is assigned.
func (d *DB) CreateRoom(ctx context.Context, r Room) (Room, error) {
	if r.Kind != RoomGroup && r.Kind != RoomDirect {
		return Room{}, fmt.Errorf("%w: kind %q", ErrInvalidRoom, r.Kind)
	}
	if len(r.Participants) == 0 {
		return Room{}, fmt.Errorf("%w: no participants", ErrInvalidRoom)
	}
	if r.Kind == RoomDirect && len(r.Participants) != 2 {
		return Room{}, fmt.Errorf("%w: direct rooms have two participants", ErrInvalidRoom)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = d.now()
	}

	err := d.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (id, kind, name, photo, admin_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, string(r.Kind), r.Name, r.Photo, r.AdminID, ms(r.CreatedAt)); err != nil {
			return fmt.Errorf("insert room: %w", err)
		}
		for _, p := range r.Participants {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO room_participants (room_id, user_id) VALUES (?, ?)`, r.ID, p); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Room{}, err
	}

	d.notifyParticipants(r.Participants)
	return r, nil
}

// SendMessage appends a message to a room.
func (d *DB) SendMessage(ctx context.Context, roomID, senderID string, p Payload) (Message, error) {
	kind, data, err := EncodePayload(p)
	if err != nil {
		return Message{}, err
	}
	m := Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Payload:   p,
		CreatedAt: d.now(),
	}
	if _, err := d.db.Exec(ctx,
		`INSERT INTO messages (id, room_id, sender_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, roomID, senderID, string(kind), string(data), ms(m.CreatedAt)); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	d.hub.notify(messagesKey(roomID))
	return m, nil
}

// DeleteMessageFor hides a message for one user only.
func (d *DB) DeleteMessageFor(ctx context.Context, messageID, userID string) error {
	var roomID string
	err := d.db.QueryRow(ctx, `SELECT room_id FROM messages WHERE id = ?`, messageID).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if _, err := d.db.Exec(ctx,
		`INSERT OR IGNORE INTO message_deletions (message_id, user_id, deleted_at) VALUES (?, ?, ?)`,
		messageID, userID, ms(d.now())); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	d.hub.notify(messagesKey(roomID))
	return nil
}

func (d *DB) PutProfile(ctx context.Context, p Profile) error {
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("docstore: profile user id is required")
	}
	if _, err := d.db.Exec(ctx, `
		INSERT INTO profiles (user_id, name, photo) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET name = excluded.name, photo = excluded.photo`,
		p.UserID, p.Name, p.Photo); err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	d.hub.notify(profileKey(p.UserID))
	return nil
}

// AddToSet adds userID to a set-valued room field (array union).
func (d *DB) AddToSet(ctx context.Context, roomID string, field SetField, userID string) error {
	if !field.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	if err := d.requireRoom(ctx, roomID); err != nil {
		return err
	}
	if _, err := d.db.Exec(ctx,
		`INSERT OR IGNORE INTO room_flags (room_id, field, user_id) VALUES (?, ?, ?)`,
		roomID, string(field), userID); err != nil {
		return fmt.Errorf("add %s: %w", field, err)
	}
	d.notifyRoom(ctx, roomID)
	return nil
}

// RemoveFromSet removes userID from a set-valued room field (array remove).
func (d *DB) RemoveFromSet(ctx context.Context, roomID string, field SetField, userID string) error {
	if !field.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	if err := d.requireRoom(ctx, roomID); err != nil {
		return err
	}
	if _, err := d.db.Exec(ctx,
		`DELETE FROM room_flags WHERE room_id = ? AND field = ? AND user_id = ?`,
		roomID, string(field), userID); err != nil {
		return fmt.Errorf("remove %s: %w", field, err)
	}
	d.notifyRoom(ctx, roomID)
	return nil
}

// AppendTombstone appends a room-level delete marker.
func (d *DB) AppendTombstone(ctx context.Context, roomID string, m DeleteMarker) error {
	if err := d.requireRoom(ctx, roomID); err != nil {
		return err
	}
	if m.DeletedAt.IsZero() {
		m.DeletedAt = d.now()
	}
	if _, err := d.db.Exec(ctx,
		`INSERT INTO room_tombstones (room_id, user_id, deleted_at) VALUES (?, ?, ?)`,
		roomID, m.UserID, ms(m.DeletedAt)); err != nil {
		return fmt.Errorf("append tombstone: %w", err)
	}
	d.notifyRoom(ctx, roomID)
	return nil
}

func (d *DB) requireRoom(ctx context.Context, roomID string) error {
	var one int
	err := d.db.QueryRow(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	return err
}

func (d *DB) notifyRoom(ctx context.Context, roomID string) {
	users, err := d.strings(ctx, `SELECT user_id FROM room_participants WHERE room_id = ?`, roomID)
	if err != nil {
		log.Warnf("notify room %s: %v", roomID, err)
		return
	}
	d.notifyParticipants(users)
}

func (d *DB) notifyParticipants(users []string) {
	keys := make([]string, 0, len(users))
	for _, u := range users {
		keys = append(keys, roomsKey(u))
	}
	d.hub.notify(keys...)
}
