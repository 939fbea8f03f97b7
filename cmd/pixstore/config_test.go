package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/pixstore/pkg/blob"
	"github.com/jacktea/pixstore/pkg/encryption"
	"github.com/jacktea/pixstore/pkg/imagestore"
	"github.com/jacktea/pixstore/pkg/imaging"
	"github.com/jacktea/pixstore/pkg/pipeline"
)

func TestBuildBlobStoreLocal(t *testing.T) {
	root := t.TempDir()
	store, err := buildBlobStore("local", storageOptions{Root: root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store == nil {
		t.Fatalf("expected path store instance")
	}
}

func TestBuildBlobStoreBolt(t *testing.T) {
	store, err := buildBlobStore("bolt", storageOptions{BoltPath: filepath.Join(t.TempDir(), "nested", "blobs.db")})
	require.NoError(t, err)
	bs, ok := store.(*blob.BoltStore)
	require.True(t, ok)
	require.NoError(t, bs.Close())
}

func TestBuildBlobStoreValidation(t *testing.T) {
	key, err := encryption.ParseKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	cases := map[string]struct {
		provider string
		opts     storageOptions
	}{
		"s3 missing fields":  {"s3", storageOptions{}},
		"local without root": {"local", storageOptions{}},
		"bolt without path":  {"bolt", storageOptions{}},
		"bolt encrypted":     {"bolt", storageOptions{BoltPath: "x.db", Encryption: key}},
		"memory encrypted":   {"memory", storageOptions{Encryption: key}},
		"unknown":            {"oss", storageOptions{}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := buildBlobStore(tc.provider, tc.opts)
			require.Error(t, err)
		})
	}
}

func TestBuildBlobStoreS3Success(t *testing.T) {
	store, err := buildBlobStore("s3", storageOptions{
		Endpoint:  "https://s3.example.com",
		Bucket:    "bucket",
		Region:    "us-east-1",
		AccessKey: "ak",
		SecretKey: "sk",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store instance")
	}
}

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func pipelines(blobs blob.Store) (*imagestore.Store, *pipeline.Ingester, *pipeline.Retriever) {
	store := imagestore.New(blobs)
	return store, &pipeline.Ingester{Store: store}, &pipeline.Retriever{Store: store}
}

func TestPutGetStat(t *testing.T) {
	ctx := context.Background()
	store, ingester, retriever := pipelines(blob.NewMemoryStore())

	dir := t.TempDir()
	file := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(file, samplePNG(t, 20, 10), 0o644))

	var out bytes.Buffer
	require.NoError(t, doPut(ctx, ingester, []string{file, "-"}, bytes.NewReader(samplePNG(t, 6, 6)), &out))
	keys := strings.Fields(out.String())
	require.Len(t, keys, 2)
	require.True(t, imagestore.ValidKey(keys[0]))

	var img bytes.Buffer
	require.NoError(t, doGet(ctx, retriever, keys[0], imaging.Dimensions{Width: 10}, &img))
	cfg, err := png.DecodeConfig(&img)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Width)
	require.Equal(t, 5, cfg.Height)

	var stat bytes.Buffer
	require.NoError(t, doStat(ctx, store, keys[1], &stat))
	require.True(t, strings.HasPrefix(stat.String(), keys[1]+"\t"))

	missing := imagestore.KeyFor([]byte("missing"))
	require.Error(t, doGet(ctx, retriever, missing, imaging.Dimensions{}, &img))
	require.Error(t, doStat(ctx, store, missing, &stat))
}

func TestPutRejectsInvalidFile(t *testing.T) {
	mem := blob.NewMemoryStore()
	_, ingester, _ := pipelines(mem)
	var out bytes.Buffer
	err := doPut(context.Background(), ingester, []string{"-"}, strings.NewReader("not an image"), &out)
	require.ErrorIs(t, err, pipeline.ErrInvalidFile)
	require.Zero(t, out.Len())
	require.Zero(t, mem.Len())
}

func TestPutGetThroughFakeS3(t *testing.T) {
	backend := s3mem.New()
	require.NoError(t, backend.CreateBucket("images"))
	server := httptest.NewServer(gofakes3.New(backend).Server())
	defer server.Close()

	key, err := encryption.ParseKey(strings.Repeat("0f", 32))
	require.NoError(t, err)
	blobs, err := buildBlobStore("s3", storageOptions{
		Endpoint:   server.URL,
		Bucket:     "images",
		Region:     "us-east-1",
		AccessKey:  "ak",
		SecretKey:  "sk",
		Encryption: key,
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, ingester, retriever := pipelines(blobs)

	var out bytes.Buffer
	require.NoError(t, doPut(ctx, ingester, []string{"-"}, bytes.NewReader(samplePNG(t, 8, 8)), &out))
	stored := strings.TrimSpace(out.String())

	var img bytes.Buffer
	require.NoError(t, doGet(ctx, retriever, stored, imaging.Dimensions{}, &img))
	require.Equal(t, stored, imagestore.KeyFor(img.Bytes()))
}
