package checkpoint

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chcolte/bluesky-mention-bot-go/logger"
)

// SQLiteStore はカーソルをSQLiteの1行テーブルに保存する代替バックエンド。
// 同じDBを他のツールと共有したい場合に使う。
type SQLiteStore struct {
	db      *sql.DB
	service string
}

// NewSQLiteStore はDBを開き、カーソルテーブルが無ければ作成する。
// serviceはカーソルの名前空間（同一DBで複数の購読を区別するため）。
func NewSQLiteStore(path string, service string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `CREATE TABLE IF NOT EXISTS firehose_cursor (
		service TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, service: service}, nil
}

func (s *SQLiteStore) Load() (uint64, bool) {
	var seq uint64
	err := s.db.QueryRow(`SELECT seq FROM firehose_cursor WHERE service = ?`, s.service).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false
	}
	if err != nil {
		logger.Errorf("Failed to load cursor from db: %v", err)
		return 0, false
	}
	return seq, true
}

func (s *SQLiteStore) Save(seq uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO firehose_cursor (service, seq) VALUES (?, ?)
		 ON CONFLICT(service) DO UPDATE SET seq = excluded.seq`,
		s.service, seq,
	)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
