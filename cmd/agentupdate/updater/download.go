package updater

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// progressReader reports the share of total read so far, in percent, whenever it changes.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	last     int
	progress func(percent int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		percent := int(p.read * 100 / p.total)
		if percent > 100 {
			percent = 100
		}
		if percent != p.last {
			p.last = percent
			p.progress(percent)
		}
	}
	return n, err
}

// download the file from url into filePath, extracting it first when it is a tgz archive.
// It returns the sha256 of the bytes as served, so a published checksum of an archive
// matches.
func download(ctx context.Context, client *http.Client, url, filePath string, isCompressed bool, progress func(int)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download of %s failed with status %d", url, resp.StatusCode)
	}

	h := sha256.New()
	pr := &progressReader{r: io.TeeReader(resp.Body, h), total: resp.ContentLength, last: -1, progress: progress}
	var r io.Reader = pr

	// compressed binary, need to decompress
	if isCompressed || isCompressedFile(url) {
		// first the gzip reader
		gr, err := gzip.NewReader(pr)
		if err != nil {
			return "", err
		}
		defer gr.Close()

		// now the tar
		tr := tar.NewReader(gr)

		// advance the reader pass the header, which will be the single binary file
		if _, err := tr.Next(); err != nil {
			return "", errors.Wrap(err, "invalid archive")
		}

		r = tr
	}

	out, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err = io.Copy(out, r); err != nil {
		return "", err
	}
	// the archive trailer is not read by the extraction but is part of the digest
	if _, err = io.Copy(io.Discard, pr); err != nil {
		return "", err
	}
	if pr.last != 100 {
		progress(100)
	}
	if err := out.Sync(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// isCompressedFile is a really simple file extension check to see if this is a tar and gzipped
func isCompressedFile(urlstring string) bool {
	if strings.HasSuffix(urlstring, ".tgz") {
		return true
	}

	u, err := url.Parse(urlstring)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Path, ".tgz")
}

// checks if the expected checksum matches the digest of the download
func isValidChecksum(checksum, digest string) error {
	if !strings.EqualFold(strings.TrimSpace(checksum), digest) {
		return errors.New("checksum validation failed")
	}
	return nil
}
