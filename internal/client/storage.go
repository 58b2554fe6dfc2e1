package client

import "context"

// File is one artifact to publish
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// StorageClient publishes artifact files to durable public storage.
// UploadBatch stores every file under the given directory and returns a map
// of file name to public URL; a partial upload is an error.
type StorageClient interface {
	UploadBatch(ctx context.Context, dir string, files []File) (map[string]string, error)
}
