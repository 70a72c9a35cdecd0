// Package catalog persists which collections each provider serves and which
// scenes have been downloaded.
package catalog

// CollectionRecord maps a collection name to the provider that serves it.
type CollectionRecord struct {
	Provider   string
	Collection string
}

// DownloadRecord represents one tracked scene download.
type DownloadRecord struct {
	SceneID      string
	Provider     string
	FilePath     string
	Status       string
	Attempts     int
	DownloadedAt string
}

type CollectionRepository interface {
	RegisterCollection(provider, collection string) error
	ProvidersFor(collection string) ([]string, error)
}

type DownloadRepository interface {
	TrackDownload(sceneID, provider string) error
	UpdateDownloadStatus(sceneID, status, filePath string) error
	GetDownloads(status string) ([]DownloadRecord, error)
}
