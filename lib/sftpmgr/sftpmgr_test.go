/*
Copyright 2024 Gateway Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sftpmgr

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/browserssh/gateway/lib/frame"
	"github.com/browserssh/gateway/lib/sshdial"
	"github.com/browserssh/gateway/lib/sshdial/sshdtest"
	"github.com/browserssh/gateway/lib/transporthub"
)

type capturingHandler struct {
	text   chan frame.TextFrame
	binary chan frame.BinaryFrame
}

func newCapturingHandler() *capturingHandler {
	return &capturingHandler{text: make(chan frame.TextFrame, 64), binary: make(chan frame.BinaryFrame, 64)}
}

func (h *capturingHandler) HandleText(f frame.TextFrame) error     { h.text <- f; return nil }
func (h *capturingHandler) HandleBinary(f frame.BinaryFrame) error { h.binary <- f; return nil }

func newHub(t *testing.T) (*transporthub.Hub, *capturingHandler) {
	t.Helper()
	var serverHub *transporthub.Hub
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverHub = transporthub.New(conn, 0)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	require.Eventually(t, func() bool { return serverHub != nil }, time.Second, 5*time.Millisecond)

	handler := newCapturingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go serverHub.Run(ctx, handler)

	go func() {
		for {
			msgType, data, err := clientConn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.TextMessage {
				if f, err := frame.DecodeText(data); err == nil {
					handler.text <- f
				}
			} else {
				if bf, err := frame.DecodeBinary(data, 0); err == nil {
					handler.binary <- bf
				}
			}
		}
	}()

	return serverHub, handler
}

func newManager(t *testing.T) (*Manager, *capturingHandler, string) {
	t.Helper()
	fixture, err := sshdtest.Start("tester", "s3cret")
	require.NoError(t, err)
	t.Cleanup(func() { fixture.Close() })

	host, portStr, err := net.SplitHostPort(fixture.Addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	d := sshdial.New(sshdial.InsecureVerifier{}, 2*time.Second)
	client, err := d.Dial(context.Background(), sshdial.Target{Host: host, Port: port, User: "tester"}, sshdial.Credential{Mode: "password", Password: "s3cret"})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	hub, handler := newHub(t)

	mgr, err := New(client, hub, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	scratch := t.TempDir()
	return mgr, handler, scratch
}

func waitForDone(t *testing.T, handler *capturingHandler, operationID string) frame.SFTPDoneBody {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-handler.text:
			switch f.Type {
			case frame.TextSFTPDone:
				var body frame.SFTPDoneBody
				require.NoError(t, f.Decode(&body))
				if body.OperationID == operationID {
					return body
				}
			case frame.TextSFTPFailed:
				var body frame.SFTPFailedBody
				require.NoError(t, f.Decode(&body))
				if body.OperationID == operationID {
					t.Fatalf("operation %s failed: %s", operationID, body.Message)
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for done frame for %s", operationID)
		}
	}
}

func TestMkdirThenList(t *testing.T) {
	mgr, handler, scratch := newManager(t)
	dir := filepath.Join(scratch, "sub")

	mgr.Mkdir(context.Background(), "op-mkdir", dir, 0, true)
	waitForDone(t, handler, "op-mkdir")

	mgr.List(context.Background(), "op-list", scratch)
	body := waitForDone(t, handler, "op-list")
	found := false
	for _, e := range body.Entries {
		if e.Name == "sub" && e.IsDir {
			found = true
		}
	}
	require.True(t, found)
}

func TestMkdirNonRecursiveRejectsExisting(t *testing.T) {
	mgr, handler, scratch := newManager(t)
	dir := filepath.Join(scratch, "already-there")
	require.NoError(t, os.Mkdir(dir, 0755))

	mgr.Mkdir(context.Background(), "op-mkdir-exists", dir, 0, false)

	for {
		f := <-handler.text
		if f.Type == frame.TextSFTPFailed {
			var body frame.SFTPFailedBody
			require.NoError(t, f.Decode(&body))
			if body.OperationID == "op-mkdir-exists" {
				require.Equal(t, "EXISTS", body.Code)
				return
			}
		}
	}
}

func TestListSortsDirectoriesFirstThenByName(t *testing.T) {
	mgr, handler, scratch := newManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "zfile.txt"), []byte("z"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "afile.txt"), []byte("a"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(scratch, "zdir"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(scratch, "adir"), 0755))

	mgr.List(context.Background(), "op-sorted-list", scratch)
	body := waitForDone(t, handler, "op-sorted-list")
	require.Len(t, body.Entries, 4)

	var names []string
	for _, e := range body.Entries {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"adir", "zdir", "afile.txt", "zfile.txt"}, names)
}

func TestDownloadMissingFileClassifiesNotFound(t *testing.T) {
	mgr, handler, scratch := newManager(t)

	mgr.Download(context.Background(), "op-dl-missing", filepath.Join(scratch, "nope.txt"))

	for {
		f := <-handler.text
		if f.Type == frame.TextSFTPFailed {
			var body frame.SFTPFailedBody
			require.NoError(t, f.Decode(&body))
			if body.OperationID == "op-dl-missing" {
				require.Equal(t, "NOT_FOUND", body.Code)
				return
			}
		}
	}
}

func TestDeleteRejectsNonRecursiveDir(t *testing.T) {
	mgr, handler, scratch := newManager(t)
	dir := filepath.Join(scratch, "sub")
	mgr.Mkdir(context.Background(), "op-mkdir2", dir, 0, true)
	waitForDone(t, handler, "op-mkdir2")

	mgr.Delete(context.Background(), "op-del", dir, false)

	for {
		f := <-handler.text
		if f.Type == frame.TextSFTPFailed {
			var body frame.SFTPFailedBody
			require.NoError(t, f.Decode(&body))
			if body.OperationID == "op-del" {
				require.Equal(t, "PERMISSION", body.Code)
				return
			}
		}
	}
}

func TestRenameFile(t *testing.T) {
	mgr, handler, scratch := newManager(t)
	src := filepath.Join(scratch, "a.txt")
	dst := filepath.Join(scratch, "b.txt")
	require.NoError(t, os.WriteFile(src, []byte("hi"), 0644))

	mgr.Rename(context.Background(), "op-rename", src, dst)
	waitForDone(t, handler, "op-rename")

	_, err := os.Stat(dst)
	require.NoError(t, err)
}

func TestDownloadStreamsFile(t *testing.T) {
	mgr, handler, scratch := newManager(t)
	src := filepath.Join(scratch, "data.bin")
	payload := make([]byte, 10*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(src, payload, 0644))

	go mgr.Download(context.Background(), "op-dl", src)

	var received []byte
	for len(received) < len(payload) {
		select {
		case bf := <-handler.binary:
			received = append(received, bf.Payload...)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for download chunks")
		}
	}
	require.Equal(t, payload, received)
	waitForDone(t, handler, "op-dl")
}

func TestDownloadFolderProducesZip(t *testing.T) {
	mgr, handler, scratch := newManager(t)
	require.NoError(t, os.Mkdir(filepath.Join(scratch, "folder"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "folder", "f1.txt"), []byte("contents1"), 0644))

	go mgr.DownloadFolder(context.Background(), "op-folder", filepath.Join(scratch, "folder"))

	var zipData []byte
	for {
		select {
		case bf := <-handler.binary:
			zipData = append(zipData, bf.Payload...)
		case f := <-handler.text:
			if f.Type == frame.TextSFTPDone {
				var body frame.SFTPDoneBody
				require.NoError(t, f.Decode(&body))
				if body.OperationID == "op-folder" {
					require.NotEmpty(t, zipData)
					return
				}
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for folder archive")
		}
	}
}

func TestDownloadFolderRecordsSymlinksInsteadOfFollowing(t *testing.T) {
	mgr, handler, scratch := newManager(t)
	folder := filepath.Join(scratch, "withlink")
	require.NoError(t, os.Mkdir(folder, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "real.txt"), []byte("contents"), 0644))
	require.NoError(t, os.Symlink("real.txt", filepath.Join(folder, "link.txt")))

	go mgr.DownloadFolder(context.Background(), "op-folder-link", folder)

	var zipData []byte
	for {
		select {
		case bf := <-handler.binary:
			zipData = append(zipData, bf.Payload...)
		case f := <-handler.text:
			if f.Type == frame.TextSFTPDone {
				var body frame.SFTPDoneBody
				require.NoError(t, f.Decode(&body))
				if body.OperationID == "op-folder-link" {
					zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
					require.NoError(t, err)
					var link *zip.File
					for _, f := range zr.File {
						if strings.HasSuffix(f.Name, "link.txt") {
							link = f
						}
					}
					require.NotNil(t, link, "symlink entry missing from archive")
					require.True(t, link.Mode()&os.ModeSymlink != 0, "link.txt should be recorded as a symlink, not followed")

					rc, err := link.Open()
					require.NoError(t, err)
					defer rc.Close()
					target, err := io.ReadAll(rc)
					require.NoError(t, err)
					require.Equal(t, "real.txt", string(target))
					return
				}
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for folder archive")
		}
	}
}

func TestDownloadFolderRejectsOversizedFolderWithQuota(t *testing.T) {
	fixture, err := sshdtest.Start("tester", "s3cret")
	require.NoError(t, err)
	t.Cleanup(func() { fixture.Close() })

	host, portStr, err := net.SplitHostPort(fixture.Addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	d := sshdial.New(sshdial.InsecureVerifier{}, 2*time.Second)
	client, err := d.Dial(context.Background(), sshdial.Target{Host: host, Port: port, User: "tester"}, sshdial.Credential{Mode: "password", Password: "s3cret"})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	hub, handler := newHub(t)
	opts := DefaultOptions()
	opts.MaxFolderBytes = 4
	mgr, err := New(client, hub, opts)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	scratch := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "big.txt"), []byte("more than four bytes"), 0644))

	mgr.DownloadFolder(context.Background(), "op-folder-quota", scratch)

	for {
		f := <-handler.text
		if f.Type == frame.TextSFTPFailed {
			var body frame.SFTPFailedBody
			require.NoError(t, f.Decode(&body))
			if body.OperationID == "op-folder-quota" {
				require.Equal(t, "QUOTA", body.Code)
				return
			}
		}
		if f.Type == frame.TextSFTPDone {
			var body frame.SFTPDoneBody
			require.NoError(t, f.Decode(&body))
			if body.OperationID == "op-folder-quota" {
				t.Fatal("expected quota rejection, got done")
			}
		}
	}
}

func TestCancelUnknownOperationIsNoOp(t *testing.T) {
	mgr, _, _ := newManager(t)
	mgr.Cancel("does-not-exist")
}

func TestUploadWritesChunksAndAcks(t *testing.T) {
	mgr, handler, scratch := newManager(t)
	dst := filepath.Join(scratch, "uploaded.bin")

	require.NoError(t, mgr.Upload(context.Background(), "op-up", dst, 0, []byte("hello "), false))
	require.NoError(t, mgr.Upload(context.Background(), "op-up", dst, 1, []byte("world"), true))

	for {
		f := <-handler.text
		if f.Type == frame.TextSFTPDone {
			var body frame.SFTPDoneBody
			require.NoError(t, f.Decode(&body))
			if body.OperationID == "op-up" {
				break
			}
		}
	}

	contents, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(contents))
}

func TestCancelStopsInFlightUpload(t *testing.T) {
	mgr, _, scratch := newManager(t)
	dst := filepath.Join(scratch, "cancelled.bin")

	require.NoError(t, mgr.Upload(context.Background(), "op-up-cancel", dst, 0, []byte("first chunk"), false))
	mgr.Cancel("op-up-cancel")

	err := mgr.Upload(context.Background(), "op-up-cancel", dst, 1, []byte("second chunk"), false)
	require.Error(t, err)
}

type fakeMetrics struct {
	mu         sync.Mutex
	operations []string
	bytes      map[string]int64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{bytes: make(map[string]int64)}
}

func (f *fakeMetrics) RecordOperation(kind, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.operations = append(f.operations, kind+":"+outcome)
}

func (f *fakeMetrics) RecordBytes(direction string, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytes[direction] += n
}

func TestMetricsRecordsOperationOutcomeAndBytes(t *testing.T) {
	mgr, handler, scratch := newManager(t)
	metrics := newFakeMetrics()
	mgr.SetMetrics(metrics)

	src := filepath.Join(scratch, "metered.bin")
	require.NoError(t, os.WriteFile(src, []byte("some bytes to count"), 0644))

	mgr.Download(context.Background(), "op-metered", src)
	waitForDone(t, handler, "op-metered")

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	require.Contains(t, metrics.operations, "download:ok")
	require.Equal(t, int64(len("some bytes to count")), metrics.bytes["download"])
}
