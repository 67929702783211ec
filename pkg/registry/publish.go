// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/protopm/protopm/pkg/archive"
)

// Publish uploads a to the repository of src.
//
// A failed upload is only retried once the registry is known not to hold the
// version. After a transport error or 5xx the client lists versions; if the
// version is present it compares digests and reports success for identical
// content or ErrConflict otherwise.
func (c *Client) Publish(ctx context.Context, src Source, a *archive.Archive) (err error) {
	if a == nil || a.Manifest == nil || a.Manifest.Package == nil {
		return fmt.Errorf("publish: %w", archive.ErrMissingPackage)
	}
	name, version := a.Name(), a.Version()

	ctx, end := c.startSpan(ctx, "Publish", src, name, version)
	defer func() { end(err) }()

	u, err := c.url(src, c.paths.Publish, name, version)
	if err != nil {
		return err
	}
	token, host, err := c.token(src)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Content-Type", archive.MediaType)
	header.Set(DigestHeader, a.Digest.String())

	bo := c.newBackOff()
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.wait(ctx, bo, "Publish", attempt, lastErr); err != nil {
				return err
			}
		}

		err := c.attempt(ctx, host, func(ctx context.Context) error {
			_, err := c.do(ctx, http.MethodPut, u, token, a.Data, header, maxMetadataSize)
			return err
		})
		switch {
		case err == nil:
			c.logger.Info("published", "package", name, "version", version, "digest", a.Digest)
			return nil
		case ctx.Err() != nil:
			return fmt.Errorf("publish canceled: %w", ctx.Err())
		case errors.Is(err, ErrConflict):
			return &ConflictError{Name: name, Version: version}
		case errors.Is(err, ErrRegistryUnavailable):
			return err
		case errors.Is(err, ErrRateLimited):
			lastErr = err
			continue
		case !ambiguous(err):
			return err
		}

		lastErr = err
		done, rerr := c.reconcile(ctx, src, a)
		if rerr != nil {
			return rerr
		}
		if done {
			return nil
		}
	}

	return &UnavailableError{Op: "Publish", Host: host, Attempts: c.maxAttempts, Err: lastErr}
}

// reconcile checks whether an upload with an unknown outcome was applied.
// It returns true when the registry holds identical content.
func (c *Client) reconcile(ctx context.Context, src Source, a *archive.Archive) (bool, error) {
	name, version := a.Name(), a.Version()
	c.logger.Warn("publish outcome unknown, checking registry", "package", name, "version", version)

	versions, err := c.ListVersions(ctx, src, name)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("reconciling publish of %s@%s: %w", name, version, err)
	case !slices.Contains(versions, version):
		return false, nil
	}

	remote, err := c.FetchArchive(ctx, src, name, version)
	if err != nil {
		return false, fmt.Errorf("reconciling publish of %s@%s: %w", name, version, err)
	}
	if remote.Digest != a.Digest {
		return false, &ConflictError{
			Name:    name,
			Version: version,
			Reason:  fmt.Sprintf("registry holds digest %s, local archive is %s", remote.Digest, a.Digest),
		}
	}
	c.logger.Info("publish already applied", "package", name, "version", version, "digest", a.Digest)
	return true, nil
}
