package putio

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"testing"

	"github.com/italolelis/video_cache/internal/feed"
	"github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFiles struct {
	children map[int64][]putio.File
	listErr  map[int64]error
	urlErr   error
}

func (f *fakeFiles) List(_ context.Context, id int64) ([]putio.File, putio.File, error) {
	if err := f.listErr[id]; err != nil {
		return nil, putio.File{}, err
	}

	return f.children[id], putio.File{ID: id}, nil
}

func (f *fakeFiles) URL(_ context.Context, id int64, useTunnel bool) (string, error) {
	if f.urlErr != nil {
		return "", f.urlErr
	}

	return "https://cdn.put.io/" + IDPrefix + strconv.FormatInt(id, 10), nil
}

type fakeAccount struct {
	err error
}

func (f fakeAccount) Info(context.Context) (putio.AccountInfo, error) {
	return putio.AccountInfo{Username: "alice"}, f.err
}

const folderType = "FOLDER"

func apiError(status int) *putio.ErrorResponse {
	req := &http.Request{Method: http.MethodGet, URL: &url.URL{Scheme: "https", Host: "api.put.io", Path: "/v2/account/info"}}

	return &putio.ErrorResponse{Response: &http.Response{StatusCode: status, Status: http.StatusText(status), Request: req}}
}

func TestEntries_WalksFoldersAndKeepsVideos(t *testing.T) {
	files := &fakeFiles{
		children: map[int64][]putio.File{
			0: {
				{ID: 1, Name: "clip.mp4", FileType: "VIDEO", Size: 100},
				{ID: 2, Name: "notes.txt", FileType: "TEXT", Size: 5},
				{ID: 3, Name: "shows", FileType: folderType, ContentType: "application/x-directory"},
			},
			3: {
				{ID: 4, Name: "episode.mkv", FileType: "VIDEO", Size: 300},
			},
		},
	}

	c := &Client{files: files, account: fakeAccount{}}

	entries, err := c.Entries(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []feed.Entry{
		{ID: "putio-1", Title: "clip.mp4", Size: 100},
		{ID: "putio-4", Title: "shows/episode.mkv", Size: 300},
	}, entries)
}

func TestEntries_SkipsUnreadableFolders(t *testing.T) {
	files := &fakeFiles{
		children: map[int64][]putio.File{
			0: {
				{ID: 3, Name: "broken", FileType: folderType, ContentType: "application/x-directory"},
				{ID: 5, Name: "ok.mp4", FileType: "VIDEO"},
			},
		},
		listErr: map[int64]error{3: errors.New("boom")},
	}

	c := &Client{files: files}

	entries, err := c.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "putio-5", entries[0].ID)
}

func TestEntries_RootFailure(t *testing.T) {
	c := &Client{files: &fakeFiles{listErr: map[int64]error{0: errors.New("down")}}}

	_, err := c.Entries(context.Background())

	var netErr *feed.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "list_files", netErr.Operation)
}

func TestResolve(t *testing.T) {
	c := &Client{files: &fakeFiles{}}

	d, err := c.Resolve(context.Background(), feed.Entry{ID: "putio-7", Title: "movie.mp4"})
	require.NoError(t, err)

	assert.Equal(t, "putio-7", d.ID)
	assert.Equal(t, "https://cdn.put.io/putio-7", d.URL)
	assert.Equal(t, "movie.mp4", d.Metadata.Title)

	_, err = c.Resolve(context.Background(), feed.Entry{ID: "other-7"})
	assert.ErrorContains(t, err, "not a put.io content id")
}

func TestAuthenticate(t *testing.T) {
	c := &Client{account: fakeAccount{}}
	require.NoError(t, c.Authenticate(context.Background()))

	unauthorized := apiError(http.StatusUnauthorized)
	c = &Client{account: fakeAccount{err: unauthorized}}

	var authErr *feed.AuthenticationError
	require.ErrorAs(t, c.Authenticate(context.Background()), &authErr)
	assert.Equal(t, "account_info", authErr.Operation)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantAuth   bool
		wantStatus int
	}{
		{"transport", errors.New("dial tcp: refused"), false, 0},
		{"forbidden", apiError(http.StatusForbidden), true, 0},
		{"server", apiError(http.StatusBadGateway), false, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			assert.ErrorIs(t, err, tt.err)

			var authErr *feed.AuthenticationError
			assert.Equal(t, tt.wantAuth, errors.As(err, &authErr))

			var netErr *feed.NetworkError
			if errors.As(err, &netErr) {
				assert.Equal(t, tt.wantStatus, netErr.StatusCode)
			}
		})
	}
}

func TestFileID(t *testing.T) {
	id, err := FileID("putio-42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = FileID("putio-abc")
	assert.Error(t, err)
}
