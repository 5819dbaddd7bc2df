package index

import (
	"errors"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "gallery.bleve"

// Item is one downloaded asset in the search index.
// All fields are searchable by their JSON tag names, e.g.
// '+kind:thread' or '+collection:r_earthporn'.
type Item struct {
	ID            string    `json:"id"`                      // Remote URL of the asset
	Kind          string    `json:"kind"`                    // Source kind (community, gallery, thread)
	Name          string    `json:"name"`                    // Local file name
	Collection    string    `json:"collection"`              // Collection directory name
	Source        string    `json:"source"`                  // Subreddit, album page or thread the asset came from
	Title         string    `json:"title,omitempty"`         // Listing title (album title, r/<name>, thread label)
	RemoteURL     string    `json:"remoteUrl"`               // Where the asset was fetched from
	FilePath      string    `json:"filePath"`                // Path where the asset is stored
	DirectoryPath string    `json:"directoryPath,omitempty"` // Directory containing the file
	FileSizeKB    float64   `json:"fileSizeKB,omitempty"`    // File size in KB
	FileFormat    string    `json:"fileFormat,omitempty"`    // Extension without the dot (jpg, mp4, webm)
	Hash          string    `json:"hash,omitempty"`          // BLAKE3 digest of the file
	PassID        string    `json:"passId,omitempty"`        // Pass that downloaded the asset
	DownloadedAt  time.Time `json:"downloadedAt,omitempty"`
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	index, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		index, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return index, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(index bleve.Index, item Item) error {
	return index.Index(item.ID, item)
}

// IndexItems adds or updates several items in one batch.
func IndexItems(index bleve.Index, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	batch := index.NewBatch()
	for _, item := range items {
		if err := batch.Index(item.ID, item); err != nil {
			return err
		}
	}
	return index.Batch(batch)
}

// SearchIndex performs a search query against the index.
func SearchIndex(index bleve.Index, query string, size int) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	if size > 0 {
		searchRequest.Size = size
	}
	searchRequest.Fields = []string{"*"} // Request all stored fields
	return index.Search(searchRequest)
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
