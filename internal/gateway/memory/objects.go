package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Nick67672/Gymsta/internal/gateway"
)

// ErrObjectExists is returned when a key is uploaded twice.
var ErrObjectExists = errors.New("object already exists")

// Object is a stored upload.
type Object struct {
	ContentType string
	Data        []byte
}

// Objects is an in-memory gateway.Storage.
type Objects struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string]Object
}

// NewObjects constructs storage whose public URLs start with baseURL.
func NewObjects(baseURL string) *Objects {
	return &Objects{baseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string]Object)}
}

// Upload stores the object and returns its public URL.
func (o *Objects) Upload(_ context.Context, upload gateway.Upload) (string, error) {
	if upload.Bucket == "" || upload.Key == "" {
		return "", fmt.Errorf("upload: bucket and key are required")
	}
	var buf bytes.Buffer
	if upload.Body != nil {
		if _, err := io.Copy(&buf, upload.Body); err != nil {
			return "", fmt.Errorf("read upload body: %w", err)
		}
	}

	path := upload.Bucket + "/" + upload.Key
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.objects[path]; ok {
		return "", fmt.Errorf("%w: %s", ErrObjectExists, path)
	}
	o.objects[path] = Object{ContentType: upload.ContentType, Data: buf.Bytes()}
	return o.baseURL + "/" + path, nil
}

// Get returns a stored object.
func (o *Objects) Get(bucket, key string) (Object, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	obj, ok := o.objects[bucket+"/"+key]
	return obj, ok
}
