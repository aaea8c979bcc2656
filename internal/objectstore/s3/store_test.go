package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dray-io/meshsync/internal/objectstore"
)

var (
	testMinioProc    *os.Process
	testMinioPort    = "19000"
	testMinioDir     string
	minioAvailable   bool
	minioSkipMessage string
)

func TestMain(m *testing.M) {
	if err := startMinio(); err != nil {
		minioSkipMessage = fmt.Sprintf("MinIO not available: %v", err)
	} else {
		minioAvailable = true
	}
	code := m.Run()
	stopMinio()
	os.Exit(code)
}

func skipIfMinioUnavailable(t *testing.T) {
	t.Helper()
	if !minioAvailable {
		t.Skip(minioSkipMessage)
	}
}

func startMinio() error {
	minioPath := os.Getenv("MINIO_BIN")
	if minioPath == "" {
		minioPath = "/tmp/minio"
	}
	if _, err := os.Stat(minioPath); err != nil {
		return fmt.Errorf("minio binary not found at %s", minioPath)
	}

	dataDir, err := os.MkdirTemp("", "minio-data-*")
	if err != nil {
		return err
	}
	testMinioDir = dataDir

	cmd := exec.Command(minioPath, "server", dataDir, "--address", ":"+testMinioPort, "--quiet")
	cmd.Env = append(os.Environ(), "MINIO_ROOT_USER=minioadmin", "MINIO_ROOT_PASSWORD=minioadmin")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start minio: %w", err)
	}
	testMinioProc = cmd.Process

	time.Sleep(time.Second)
	return nil
}

func stopMinio() {
	if testMinioProc != nil {
		_ = testMinioProc.Kill()
		_, _ = testMinioProc.Wait()
	}
	if testMinioDir != "" {
		_ = os.RemoveAll(testMinioDir)
	}
}

func testConfig(bucket, prefix string) Config {
	return Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Endpoint:        "http://localhost:" + testMinioPort,
		Region:          "us-east-1",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		UsePathStyle:    true,
	}
}

func testStore(t *testing.T, bucket, prefix string) *Store {
	t.Helper()
	skipIfMinioUnavailable(t)
	ctx := context.Background()

	store, err := New(ctx, testConfig(bucket, prefix))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = store.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
		t.Fatalf("CreateBucket failed: %v", err)
	}

	t.Cleanup(func() {
		objects, _ := store.List(ctx, "")
		for _, obj := range objects {
			_ = store.Delete(ctx, obj.Key)
		}
		_, _ = store.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
		store.Close()
	})
	return store
}

func put(t *testing.T, store *Store, key, body string) {
	t.Helper()
	if err := store.Put(context.Background(), key, strings.NewReader(body), int64(len(body)), "application/octet-stream"); err != nil {
		t.Fatalf("Put %s failed: %v", key, err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); !errors.Is(err, ErrMissingBucket) {
		t.Fatalf("expected ErrMissingBucket, got %v", err)
	}
}

func TestPutGetHead(t *testing.T) {
	store := testStore(t, "test-put-get", "")
	ctx := context.Background()

	data := []byte("route snapshot")
	err := store.PutWithOptions(ctx, "routing/c1/a.parquet", bytes.NewReader(data), int64(len(data)),
		"application/vnd.apache.parquet", objectstore.PutOptions{Metadata: map[string]string{"checksum": "abc"}})
	if err != nil {
		t.Fatalf("PutWithOptions failed: %v", err)
	}

	rc, err := store.Get(ctx, "routing/c1/a.parquet")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}

	meta, err := store.Head(ctx, "routing/c1/a.parquet")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if meta.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", meta.Size, len(data))
	}
	if meta.Metadata["checksum"] != "abc" {
		t.Errorf("Metadata = %v", meta.Metadata)
	}

	if _, err := store.Get(ctx, "routing/c1/missing"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Errorf("Get missing: got %v, want ErrNotFound", err)
	}
	if _, err := store.Head(ctx, "routing/c1/missing"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Errorf("Head missing: got %v, want ErrNotFound", err)
	}
}

func TestCreateOnly(t *testing.T) {
	store := testStore(t, "test-create-only", "")
	put(t, store, "k", "one")

	err := store.PutWithOptions(context.Background(), "k", strings.NewReader("two"), 3, "",
		objectstore.PutOptions{IfNoneMatch: "*"})
	if !errors.Is(err, objectstore.ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestListAndDeleteWithPrefix(t *testing.T) {
	store := testStore(t, "test-prefix", "cluster-a/")
	ctx := context.Background()

	put(t, store, "routing/n1/2.parquet", "b")
	put(t, store, "routing/n1/1.parquet", "a")
	put(t, store, "routing/n2/1.parquet", "c")

	list, err := store.List(ctx, "routing/n1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].Key != "routing/n1/1.parquet" || list[1].Key != "routing/n1/2.parquet" {
		t.Errorf("List = %+v", list)
	}

	raw, err := store.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String("test-prefix"),
		Key:    aws.String("cluster-a/routing/n2/1.parquet"),
	})
	if err != nil || raw == nil {
		t.Errorf("object should be stored under the prefix: %v", err)
	}

	if err := store.Delete(ctx, "routing/n1/1.parquet"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "routing/n1/1.parquet"); err != nil {
		t.Errorf("Delete of missing key should succeed: %v", err)
	}
	list, _ = store.List(ctx, "routing/")
	if len(list) != 2 {
		t.Errorf("expected 2 objects after delete, got %d", len(list))
	}
}

func TestClosedStore(t *testing.T) {
	store, err := New(context.Background(), testConfig("closed", ""))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	store.Close()

	ctx := context.Background()
	if err := store.Put(ctx, "k", strings.NewReader("v"), 1, ""); !errors.Is(err, objectstore.ErrClosed) {
		t.Errorf("Put: got %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, objectstore.ErrClosed) {
		t.Errorf("Get: got %v", err)
	}
	if _, err := store.List(ctx, ""); !errors.Is(err, objectstore.ErrClosed) {
		t.Errorf("List: got %v", err)
	}
}
