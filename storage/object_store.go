// Package storage - Ablage trainierter Adapter und gemergter Modelle
//
// Enthält:
// - ObjectStore: Gemeinsame Schnittstelle fuer lokale Verzeichnisse und S3
// - ParseURI: s3://bucket/prefix, file:///dir oder ein einfacher Pfad
// - Open, UploadDir: Ziel oeffnen und ein Verzeichnis hochladen
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/mini-helper/lorakit/envconfig"
)

// ObjectStore legt Objekte unter Schluesseln ab
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data io.Reader) error

	// UploadDir laedt alle Dateien unter src nach prefix hoch und gibt
	// die geschriebenen Schluessel zurueck.
	UploadDir(ctx context.Context, src, prefix string) ([]string, error)
}

// Location ist ein geparstes Upload-Ziel
type Location struct {
	Scheme string // "s3" oder "file"
	Bucket string
	Prefix string
}

func (l Location) String() string {
	if l.Scheme == "s3" {
		return "s3://" + path.Join(l.Bucket, l.Prefix)
	}
	return "file://" + filepath.ToSlash(l.Prefix)
}

// ParseURI parst ein Upload-Ziel
func ParseURI(uri string) (Location, error) {
	if uri == "" {
		return Location{}, errors.New("empty storage uri")
	}

	if !strings.Contains(uri, "://") {
		return Location{Scheme: "file", Prefix: filepath.Clean(uri)}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("invalid storage uri %q: %w", uri, err)
	}

	switch u.Scheme {
	case "s3":
		if u.Host == "" {
			return Location{}, fmt.Errorf("invalid storage uri %q: bucket is required", uri)
		}
		return Location{Scheme: "s3", Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
	case "file":
		if u.Path == "" {
			return Location{}, fmt.Errorf("invalid storage uri %q: path is required", uri)
		}
		return Location{Scheme: "file", Prefix: filepath.FromSlash(u.Path)}, nil
	default:
		return Location{}, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}

// Open oeffnet den Speicher fuer loc. Fuer S3 kommen Endpunkt, Region und
// Zugangsdaten aus der Umgebung. Der zurueckgegebene Prefix ist relativ
// zum Speicher.
func Open(ctx context.Context, loc Location) (ObjectStore, string, error) {
	switch loc.Scheme {
	case "s3":
		store, err := NewS3ObjectStore(ctx, S3ClientConfig{
			Endpoint:        envconfig.S3Endpoint(),
			Region:          envconfig.S3Region(),
			AccessKeyID:     envconfig.AWSAccessKeyID(),
			SecretAccessKey: envconfig.AWSSecretAccessKey(),
			Bucket:          loc.Bucket,
		})
		return store, loc.Prefix, err
	case "file":
		store, err := NewLocalObjectStore(loc.Prefix)
		return store, "", err
	default:
		return nil, "", fmt.Errorf("unsupported storage scheme %q", loc.Scheme)
	}
}

// UploadDir laedt src zum Ziel uri hoch
func UploadDir(ctx context.Context, uri, src string) ([]string, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	store, prefix, err := Open(ctx, loc)
	if err != nil {
		return nil, err
	}
	return store.UploadDir(ctx, src, prefix)
}

// walkFiles ruft fn fuer jede regulaere Datei unter src auf. key ist der
// Pfad relativ zu src mit Schraegstrichen, vorangestellt prefix.
func walkFiles(src, prefix string, fn func(file, key string) error) error {
	return filepath.WalkDir(src, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk directory %s: %w", src, err)
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(src, file)
		if err != nil {
			return err
		}
		return fn(file, path.Join(prefix, filepath.ToSlash(rel)))
	})
}
