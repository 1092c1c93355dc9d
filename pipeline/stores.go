package pipeline

import (
	"context"
	"io"

	"github.com/spf13/afero"

	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

// Stores resolves the object store for a bucket named in a payload.
type Stores func(bucket string) storage.ObjectStore

// SingleStore serves every bucket from store.
func SingleStore(store storage.ObjectStore) Stores {
	return func(string) storage.ObjectStore { return store }
}

// spool copies an object into a temporary file on fs, for readers that need
// to seek or to read the content twice. The caller removes the file.
func spool(ctx context.Context, fs afero.Fs, store storage.ObjectStore, key string) (afero.File, int64, error) {
	body, err := store.Download(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	defer body.Close()

	file, err := afero.TempFile(fs, "", "etl-*-"+storage.FilenameFromKey(key))
	if err != nil {
		return nil, 0, err
	}
	size, err := io.Copy(file, body)
	if err == nil {
		_, err = file.Seek(0, io.SeekStart)
	}
	if err != nil {
		file.Close()
		fs.Remove(file.Name())
		return nil, 0, err
	}
	return file, size, nil
}

func discard(fs afero.Fs, file afero.File) {
	file.Close()
	fs.Remove(file.Name())
}
