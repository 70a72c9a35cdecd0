package sqlite

import (
	"database/sql"
	"time"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/geocollect/geocollect/internal/catalog"
)

// InitDB opens the catalog database and creates its tables if they don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS collections (
		id INTEGER PRIMARY KEY,
		provider TEXT,
		collection TEXT,
		UNIQUE(provider, collection)
	)`)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY,
		scene_id TEXT UNIQUE,
		provider TEXT,
		file_path TEXT,
		status TEXT DEFAULT 'requested',
		attempts INTEGER DEFAULT 0,
		downloaded_at DATETIME
	)`)
	if err != nil {
		return nil, err
	}

	return db, nil
}

type CollectionRepository struct {
	db *sql.DB
}

func NewCollectionRepository(dbConn *sql.DB) *CollectionRepository {
	return &CollectionRepository{db: dbConn}
}

func (r *CollectionRepository) RegisterCollection(provider, collection string) error {
	_, err := r.db.Exec(`
		INSERT INTO collections (provider, collection)
		VALUES (?, ?)
		ON CONFLICT(provider, collection) DO NOTHING
	`, provider, collection)

	return err
}

// ProvidersFor returns the providers that serve a collection, in
// registration order. An empty result means the collection is unknown.
func (r *CollectionRepository) ProvidersFor(collection string) ([]string, error) {
	rows, err := r.db.Query(`SELECT provider FROM collections WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []string

	for rows.Next() {
		var provider string
		if err := rows.Scan(&provider); err != nil {
			return nil, err
		}

		providers = append(providers, provider)
	}

	return providers, rows.Err()
}

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

// TrackDownload registers a scene as requested. Re-tracking an existing
// scene bumps its attempt counter and resets it to requested, unless it has
// already been downloaded.
func (r *DownloadRepository) TrackDownload(sceneID, provider string) error {
	_, err := r.db.Exec(`
		INSERT INTO downloads (scene_id, provider, status, attempts)
		VALUES (?, ?, 'requested', 0)
		ON CONFLICT(scene_id) DO UPDATE SET
			status = 'requested',
			attempts = downloads.attempts + 1
		WHERE downloads.status != 'downloaded'
	`, sceneID, provider)

	return err
}

func (r *DownloadRepository) UpdateDownloadStatus(sceneID, status, filePath string) error {
	var downloadedAt any
	if status == "downloaded" {
		downloadedAt = time.Now().Format(time.RFC3339)
	}

	_, err := r.db.Exec(`
		UPDATE downloads SET status = ?, file_path = ?, downloaded_at = COALESCE(?, downloaded_at)
		WHERE scene_id = ?
	`, status, filePath, downloadedAt, sceneID)

	return err
}

// GetDownloads returns tracked downloads, optionally filtered by status.
func (r *DownloadRepository) GetDownloads(status string) ([]catalog.DownloadRecord, error) {
	query := `SELECT scene_id, provider, file_path, status, attempts, downloaded_at FROM downloads`

	var args []any

	if status != "" {
		query += ` WHERE status = ?`

		args = append(args, status)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []catalog.DownloadRecord

	for rows.Next() {
		var record catalog.DownloadRecord

		var filePath, downloadedAt sql.NullString

		if err := rows.Scan(&record.SceneID, &record.Provider, &filePath, &record.Status, &record.Attempts, &downloadedAt); err != nil {
			return nil, err
		}

		record.FilePath = filePath.String
		record.DownloadedAt = downloadedAt.String

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}
