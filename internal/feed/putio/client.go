// Package putio discovers video files in a put.io folder.
package putio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/italolelis/video_cache/internal/content"
	"github.com/italolelis/video_cache/internal/feed"
	"github.com/italolelis/video_cache/internal/logctx"
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"
)

// IDPrefix namespaces put.io file ids in the cache.
const IDPrefix = "putio-"

const fileTypeVideo = "VIDEO"

type filesService interface {
	List(ctx context.Context, id int64) ([]putio.File, putio.File, error)
	URL(ctx context.Context, id int64, useTunnel bool) (string, error)
}

type accountService interface {
	Info(ctx context.Context) (putio.AccountInfo, error)
}

type Client struct {
	files    filesService
	account  accountService
	folderID int64
}

// NewClient returns a source that walks folderID, 0 being the root folder.
func NewClient(token string, folderID int64) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)
	putioClient := putio.NewClient(oauthClient)

	return &Client{
		files:    putioClient.Files,
		account:  putioClient.Account,
		folderID: folderID,
	}
}

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	user, err := c.account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return classify("account_info", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// Entries lists every video file below the folder, nested folders included.
func (c *Client) Entries(ctx context.Context) ([]feed.Entry, error) {
	return c.walk(ctx, c.folderID, "")
}

// Resolve asks put.io for a download URL. The id stays stable while the URL may not.
func (c *Client) Resolve(ctx context.Context, entry feed.Entry) (content.Descriptor, error) {
	fileID, err := FileID(entry.ID)
	if err != nil {
		return content.Descriptor{}, err
	}

	url, err := c.files.URL(ctx, fileID, false)
	if err != nil {
		return content.Descriptor{}, classify("resolve_url", err)
	}

	return content.Descriptor{
		ID:       entry.ID,
		URL:      url,
		Metadata: content.Metadata{Title: entry.Title},
	}, nil
}

func (c *Client) walk(ctx context.Context, parentID int64, basePath string) ([]feed.Entry, error) {
	logger := logctx.LoggerFromContext(ctx).With("parent_id", parentID)

	files, _, err := c.files.List(ctx, parentID)
	if err != nil {
		return nil, classify("list_files", err)
	}

	var entries []feed.Entry

	for _, f := range files {
		name := f.Name
		if basePath != "" {
			name = basePath + "/" + f.Name
		}

		switch {
		case f.IsDir():
			nested, err := c.walk(ctx, f.ID, name)
			if err != nil {
				logger.ErrorContext(ctx, "failed to list nested folder", "folder_id", f.ID, "err", err)

				continue
			}

			entries = append(entries, nested...)
		case strings.EqualFold(f.FileType, fileTypeVideo):
			entries = append(entries, feed.Entry{
				ID:    IDPrefix + strconv.FormatInt(f.ID, 10),
				Title: name,
				Size:  f.Size,
			})
		}
	}

	return entries, nil
}

// FileID extracts the put.io file id from a cache id.
func FileID(contentID string) (int64, error) {
	raw, ok := strings.CutPrefix(contentID, IDPrefix)
	if !ok {
		return 0, fmt.Errorf("not a put.io content id: %q", contentID)
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid put.io file id %q: %w", raw, err)
	}

	return id, nil
}

func classify(operation string, err error) error {
	var apiErr *putio.ErrorResponse
	if !errors.As(err, &apiErr) || apiErr.Response == nil {
		return &feed.NetworkError{Operation: operation, Err: err}
	}

	switch apiErr.Response.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &feed.AuthenticationError{Operation: operation, Err: err}
	default:
		return &feed.NetworkError{Operation: operation, StatusCode: apiErr.Response.StatusCode, Err: err}
	}
}
