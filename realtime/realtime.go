// Package realtime snapshots the realtime vehicle feeds into zipped archives
// and points the CAVL archive record of each data format at the latest one.
package realtime

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mholt/archiver"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/department-for-transport-BODS/bods-backend-sub005/config"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

const timestampLayout = "2006-01-02T15:04:05"

// ErrUnknownFormat is returned for data formats with no feed.
var ErrUnknownFormat = errors.New("unknown CAVL data format")

// feed describes where a data format is read from and how its archive is
// named.
type feed struct {
	url    string
	prefix string
	member string
}

func feeds(cfg config.RealtimeConfig) map[storage.CAVLDataFormat]feed {
	avl := strings.TrimRight(cfg.AVLConsumerAPIBaseURL, "/")
	return map[storage.CAVLDataFormat]feed{
		storage.CAVLDataFormatSIRIVM:    {url: avl + "/siri-vm", prefix: "sirivm", member: "siri.xml"},
		storage.CAVLDataFormatSIRIVMTfL: {url: avl + "/siri-vm?operatorRef=TFLO", prefix: "sirivm_tfl", member: "siri.xml"},
		storage.CAVLDataFormatGTFSRT:    {url: strings.TrimRight(cfg.GTFSAPIBaseURL, "/") + "/gtfs-rt", prefix: "gtfsrt", member: "gtfsrt.bin"},
	}
}

type Result struct {
	DataFormat storage.CAVLDataFormat `json:"data_format"`
	ObjectKey  string                 `json:"object_key,omitempty"`
	Size       int64                  `json:"size,omitempty"`
	Skipped    bool                   `json:"skipped,omitempty"`
}

type Archiver struct {
	client   *retryablehttp.Client
	store    storage.ObjectStore
	archives storage.CAVLArchiveRepo
	cfg      config.RealtimeConfig
	fs       afero.Fs
	now      func() time.Time
}

// NewClient returns the retrying HTTP client used for the feeds, logging
// through logrus.
func NewClient(retries int, timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = leveledLogger{log.WithField("component", "realtime")}
	return client
}

func NewArchiver(client *retryablehttp.Client, store storage.ObjectStore, archives storage.CAVLArchiveRepo, cfg config.RealtimeConfig) *Archiver {
	return &Archiver{
		client:   client,
		store:    store,
		archives: archives,
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Archive fetches the feed of format, uploads it zipped and records the new
// key. GTFS-RT is skipped unless the GTFS API is active.
func (a *Archiver) Archive(ctx context.Context, format storage.CAVLDataFormat) (*Result, error) {
	logger := log.WithField("data_format", format)
	f, ok := feeds(a.cfg)[format]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
	if format == storage.CAVLDataFormatGTFSRT && !a.cfg.GTFSAPIActive {
		logger.Info("GTFS API inactive, skipping archive")
		return &Result{DataFormat: format, Skipped: true}, nil
	}

	body, err := a.fetch(ctx, f.url)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(body)
	key := fmt.Sprintf("%s_%s_%s.zip", f.prefix, a.now().Format(timestampLayout), hex.EncodeToString(sum[:])[:8])

	archive, err := a.zip(f.member, body)
	if err != nil {
		return nil, err
	}
	if err := a.store.Upload(ctx, key, bytes.NewReader(archive), nil); err != nil {
		return nil, errors.Wrapf(err, "unable to upload %s", key)
	}
	if _, err := a.archives.Upsert(nil, format, key); err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{"object_key": key, "size": len(archive)}).Info("realtime archive stored")
	return &Result{DataFormat: format, ObjectKey: key, Size: int64(len(archive))}, nil
}

func (a *Archiver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}
	return ioutil.ReadAll(resp.Body)
}

// zip writes body as member into a temporary directory and archives it.
func (a *Archiver) zip(member string, body []byte) ([]byte, error) {
	dir, err := afero.TempDir(a.fs, "", "cavl-")
	if err != nil {
		return nil, err
	}
	defer a.fs.RemoveAll(dir)

	src := filepath.Join(dir, member)
	if err := afero.WriteFile(a.fs, src, body, 0o644); err != nil {
		return nil, err
	}
	z := archiver.Zip{
		CompressionLevel:       flate.BestCompression,
		MkdirAll:               true,
		SelectiveCompression:   true,
		ContinueOnError:        false,
		OverwriteExisting:      true,
		ImplicitTopLevelFolder: false,
	}
	dst := filepath.Join(dir, "archive.zip")
	if err := z.Archive([]string{src}, dst); err != nil {
		return nil, errors.Wrap(err, "unable to zip realtime feed")
	}
	return afero.ReadFile(a.fs, dst)
}

// leveledLogger adapts logrus to retryablehttp's leveled logging.
type leveledLogger struct {
	entry *log.Entry
}

func (l leveledLogger) fields(keysAndValues []interface{}) *log.Entry {
	fields := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Info(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}
