// Package storage records acquisition sessions and their frames in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
)

// Session is one recorded acquisition run of a device.
type Session struct {
	ID     int64
	Device instrument.ID
	Start  time.Time
	End    sql.NullTime
}

// Frame is one channel of one recorded snapshot.
type Frame struct {
	Timestamp time.Time
	Channel   int
	Trace     instrument.Trace
}

// Recorder writes frames to a SQLite database, opening one session per
// device run.
type Recorder struct {
	dbPath string
	log    logging.Logger

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	mu   sync.Mutex
	open map[instrument.ID]int64

	closeOnce sync.Once
	closeErr  error
}

// New returns a Recorder for the database at dbPath. The file and schema
// are created on first write.
func New(dbPath string, logger logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{
		dbPath: dbPath,
		log:    logger.With(logging.Field{Key: "subsystem", Value: "storage"}),
		open:   make(map[instrument.ID]int64),
	}
}

func runSQLCommand(db *sql.DB, query string, args ...any) error {
	_, err := db.Exec(query, args...)
	return err
}

func (r *Recorder) getWriteDB() (*sql.DB, error) {
	r.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", r.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			r.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		db.SetMaxOpenConns(1)

		if err = runSQLCommand(db, schemaSQL); err != nil {
			_ = db.Close()
			r.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}
		r.writeDB = db
	})
	return r.writeDB, r.writeDBErr
}

func (r *Recorder) getReadDB() (*sql.DB, error) {
	if _, err := r.getWriteDB(); err != nil {
		return nil, err
	}
	r.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", r.dbPath, "mode=ro"))
		if err != nil {
			r.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		r.readDB = db
	})
	return r.readDB, r.readDBErr
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(tx *sql.Tx, err *error) {
	if rErr := tx.Rollback(); rErr != nil && !errors.Is(rErr, sql.ErrTxDone) && *err == nil {
		*err = rErr
	}
}

// session returns the open session of id, creating one when needed.
func (r *Recorder) session(ctx context.Context, db *sql.DB, id instrument.ID, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid, ok := r.open[id]; ok {
		return sid, nil
	}
	res, err := db.ExecContext(ctx, insertSessionSQL, at.UTC(), id.Vendor, id.Name, id.SerialNumber, string(id.Type))
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}
	sid, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.open[id] = sid
	r.log.Info("session started", logging.Field{Key: "device", Value: id.String()}, logging.Field{Key: "session", Value: sid})
	return sid, nil
}

// Record stores every channel of snap in one transaction.
func (r *Recorder) Record(ctx context.Context, id instrument.ID, at time.Time, snap instrument.Snapshot) (err error) {
	chs := snap.Channels()
	if len(chs) == 0 {
		return nil
	}
	db, err := r.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}
	sid, err := r.session(ctx, db, id, at)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString(insertFrameSQL)
	values := make([]any, 0, len(chs)*7)
	for i, no := range chs {
		tr := snap.Points[no]
		cols, err := encodeTrace(tr)
		if err != nil {
			return fmt.Errorf("encoding channel %d: %w", no, err)
		}
		values = append(values, sid, at.UTC(), no, cols[0], cols[1], cols[2], cols[3])
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
		return fmt.Errorf("batch inserting frames: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// End closes the open session of id, if any.
func (r *Recorder) End(ctx context.Context, id instrument.ID, at time.Time) error {
	r.mu.Lock()
	sid, ok := r.open[id]
	delete(r.open, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	db, err := r.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, endSessionSQL, at.UTC(), sid); err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	r.log.Info("session ended", logging.Field{Key: "device", Value: id.String()}, logging.Field{Key: "session", Value: sid})
	return nil
}

// Sessions lists every recorded session.
func (r *Recorder) Sessions(ctx context.Context) (sessions []Session, err error) {
	db, err := r.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var (
			s   Session
			typ string
		)
		if err = rows.Scan(&s.ID, &s.Start, &s.End, &s.Device.Vendor, &s.Device.Name, &s.Device.SerialNumber, &typ); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		s.Device.Type = instrument.DeviceType(typ)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Frames returns the frames of session sid in insertion order.
func (r *Recorder) Frames(ctx context.Context, sid int64) (frames []Frame, err error) {
	db, err := r.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	rows, err := db.QueryContext(ctx, selectFramesSQL, sid)
	if err != nil {
		return nil, fmt.Errorf("querying frames: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var (
			f    Frame
			cols [4]string
		)
		if err = rows.Scan(&f.Timestamp, &f.Channel, &cols[0], &cols[1], &cols[2], &cols[3]); err != nil {
			return nil, fmt.Errorf("scanning frame: %w", err)
		}
		if f.Trace, err = decodeTrace(cols); err != nil {
			return nil, fmt.Errorf("decoding frame: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

func encodeTrace(tr instrument.Trace) ([4]string, error) {
	var out [4]string
	for i, s := range [][]float64{tr.Time, tr.Volts, tr.Freq, tr.Mag} {
		if s == nil {
			s = []float64{}
		}
		b, err := json.Marshal(s)
		if err != nil {
			return out, err
		}
		out[i] = string(b)
	}
	return out, nil
}

func decodeTrace(cols [4]string) (instrument.Trace, error) {
	var tr instrument.Trace
	for i, dst := range []*[]float64{&tr.Time, &tr.Volts, &tr.Freq, &tr.Mag} {
		if err := json.Unmarshal([]byte(cols[i]), dst); err != nil {
			return tr, err
		}
	}
	return tr, nil
}

// Close ends every open session and closes the database.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		var writeErr, readErr error
		if r.writeDB != nil {
			if err := runSQLCommand(r.writeDB, closeOpenSessionsSQL, time.Now().UTC()); err != nil {
				r.log.Warn("closing open sessions failed", logging.Field{Key: "error", Value: err})
			}
			writeErr = r.writeDB.Close()
			r.writeDB = nil
		}
		if r.readDB != nil {
			readErr = r.readDB.Close()
			r.readDB = nil
		}
		r.closeErr = errors.Join(writeErr, readErr)
	})
	return r.closeErr
}
