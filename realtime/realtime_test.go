package realtime

import (
	"archive/zip"
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/department-for-transport-BODS/bods-backend-sub005/config"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage/storagetest"
)

const siri = `<?xml version="1.0"?><Siri version="2.0"><ServiceDelivery/></Siri>`

func feedServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	requested := make([]string, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.RequestURI())
		switch r.URL.Path {
		case "/siri-vm":
			w.Write([]byte(siri))
		case "/gtfs-rt":
			w.Write([]byte{0x0a, 0x0d})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &requested
}

func newArchiver(t *testing.T, cfg config.RealtimeConfig) (*Archiver, *storage.AFSStore, storage.CAVLArchiveRepo) {
	t.Helper()
	store := storage.NewMemStore(t.Name())
	repo := storage.NewCAVLArchiveRepo(storagetest.DB(t))
	a := NewArchiver(NewClient(0, 5*time.Second), store, repo, cfg)
	a.now = func() time.Time { return time.Date(2021, 6, 1, 10, 30, 0, 0, time.UTC) }
	return a, store, repo
}

func unzip(t *testing.T, store storage.ObjectStore, key string) map[string]string {
	t.Helper()
	body, err := store.Download(context.Background(), key)
	require.NoError(t, err)
	defer body.Close()
	data, err := ioutil.ReadAll(body)
	require.NoError(t, err)

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string]string)
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := ioutil.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(content)
	}
	return out
}

func TestArchive_SIRIVM(t *testing.T) {
	srv, requested := feedServer(t)
	a, store, repo := newArchiver(t, config.RealtimeConfig{AVLConsumerAPIBaseURL: srv.URL + "/"})

	res, err := a.Archive(context.Background(), storage.CAVLDataFormatSIRIVM)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^sirivm_2021-06-01T10:30:00_[0-9a-f]{8}\.zip$`), res.ObjectKey)
	assert.Equal(t, []string{"/siri-vm"}, *requested)
	assert.Equal(t, map[string]string{"siri.xml": siri}, unzip(t, store, res.ObjectKey))

	record, err := repo.GetByDataFormat(nil, storage.CAVLDataFormatSIRIVM)
	require.NoError(t, err)
	assert.Equal(t, res.ObjectKey, record.Data)

	// The record follows the latest archive.
	a.now = func() time.Time { return time.Date(2021, 6, 1, 10, 40, 0, 0, time.UTC) }
	again, err := a.Archive(context.Background(), storage.CAVLDataFormatSIRIVM)
	require.NoError(t, err)
	record, err = repo.GetByDataFormat(nil, storage.CAVLDataFormatSIRIVM)
	require.NoError(t, err)
	assert.Equal(t, again.ObjectKey, record.Data)
}

func TestArchive_TfL(t *testing.T) {
	srv, requested := feedServer(t)
	a, _, _ := newArchiver(t, config.RealtimeConfig{AVLConsumerAPIBaseURL: srv.URL})

	res, err := a.Archive(context.Background(), storage.CAVLDataFormatSIRIVMTfL)
	require.NoError(t, err)
	assert.Contains(t, res.ObjectKey, "sirivm_tfl_")
	assert.Equal(t, []string{"/siri-vm?operatorRef=TFLO"}, *requested)
}

func TestArchive_GTFSRT(t *testing.T) {
	srv, requested := feedServer(t)

	inactive, _, repo := newArchiver(t, config.RealtimeConfig{GTFSAPIBaseURL: srv.URL})
	res, err := inactive.Archive(context.Background(), storage.CAVLDataFormatGTFSRT)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, *requested)
	_, err = repo.GetByDataFormat(nil, storage.CAVLDataFormatGTFSRT)
	assert.True(t, storage.IsNotFound(err, storage.CodeArchiveNotFound))

	active, store, _ := newArchiver(t, config.RealtimeConfig{GTFSAPIBaseURL: srv.URL, GTFSAPIActive: true})
	res, err = active.Archive(context.Background(), storage.CAVLDataFormatGTFSRT)
	require.NoError(t, err)
	assert.Regexp(t, `^gtfsrt_`, res.ObjectKey)
	assert.Equal(t, map[string]string{"gtfsrt.bin": "\x0a\x0d"}, unzip(t, store, res.ObjectKey))
}

func TestArchive_Errors(t *testing.T) {
	srv, _ := feedServer(t)
	a, _, _ := newArchiver(t, config.RealtimeConfig{AVLConsumerAPIBaseURL: srv.URL + "/missing"})

	_, err := a.Archive(context.Background(), storage.CAVLDataFormatSIRIVM)
	assert.Error(t, err)

	_, err = a.Archive(context.Background(), "XX")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
