package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNewStoreValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "memory",
			cfg: Config{
				Driver: DriverMemory,
			},
		},
		{
			name: "unsupported driver",
			cfg: Config{
				Driver: "gcs",
			},
			wantErr: true,
		},
		{
			name: "s3 missing bucket",
			cfg: Config{
				Driver:   DriverS3,
				S3Client: &fakeS3Client{},
			},
			wantErr: true,
		},
		{
			name: "s3 missing client",
			cfg: Config{
				Driver: DriverS3,
				Bucket: "custody-audit",
			},
			wantErr: true,
		},
		{
			name: "default driver is s3",
			cfg: Config{
				Bucket:   "custody-audit",
				S3Client: &fakeS3Client{},
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := NewStore(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStore: %v", err)
			}
			if store == nil {
				t.Fatalf("NewStore returned nil store")
			}
		})
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewStore(Config{
		Driver: DriverMemory,
		Prefix: "custody/",
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	payload := []byte(`{"tid":"wd01","state":"succeed"}`)
	if err := store.Put(context.Background(), "/withdrawals/w1/lifecycle/succeed.json", payload, PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"tid":   "wd01",
			"state": "succeed",
		},
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := store.Exists(context.Background(), "withdrawals/w1/lifecycle/succeed.json")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("Exists returned false for persisted key")
	}

	obj, err := store.Get(context.Background(), "withdrawals/w1/lifecycle/succeed.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got, want := obj.Key, "withdrawals/w1/lifecycle/succeed.json"; got != want {
		t.Fatalf("key mismatch: got %q want %q", got, want)
	}
	if !bytes.Equal(obj.Data, payload) {
		t.Fatalf("payload mismatch: got %q want %q", string(obj.Data), string(payload))
	}
	if got, want := obj.ContentType, "application/json"; got != want {
		t.Fatalf("content type mismatch: got %q want %q", got, want)
	}
	if got, want := obj.Metadata["state"], "succeed"; got != want {
		t.Fatalf("metadata mismatch: got %q want %q", got, want)
	}

	// Ensure returned slices/maps are defensive copies.
	obj.Data[0] = 'X'
	obj.Metadata["state"] = "changed"
	reload, err := store.Get(context.Background(), "withdrawals/w1/lifecycle/succeed.json")
	if err != nil {
		t.Fatalf("Get reload: %v", err)
	}
	if reload.Data[0] != '{' {
		t.Fatalf("expected stored payload to remain unchanged")
	}
	if got, want := reload.Metadata["state"], "succeed"; got != want {
		t.Fatalf("expected stored metadata to remain unchanged; got %q", got)
	}
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store, err := NewStore(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	tests := []string{"", "   ", "\x00bad", "\nnewline"}
	for _, key := range tests {
		key := key
		t.Run(strings.ReplaceAll(key, "\x00", "nul"), func(t *testing.T) {
			t.Parallel()
			if err := store.Put(context.Background(), key, []byte("x"), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("Put(%q): expected ErrInvalidKey, got %v", key, err)
			}
			_, err := store.Get(context.Background(), key)
			if !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("Get(%q): expected ErrInvalidKey, got %v", key, err)
			}
		})
	}
}

func TestS3StorePutGetExists(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{}
	store, err := NewStore(Config{
		Driver:     DriverS3,
		Bucket:     "custody-audit",
		Prefix:     "prod",
		MaxGetSize: 4 << 10,
		S3Client:   client,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	client.putFn = func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		if got, want := aws.ToString(in.Bucket), "custody-audit"; got != want {
			t.Fatalf("bucket mismatch: got %q want %q", got, want)
		}
		if got, want := aws.ToString(in.Key), "prod/withdrawals/w1/lifecycle/succeed.json"; got != want {
			t.Fatalf("key mismatch: got %q want %q", got, want)
		}
		if got, want := aws.ToString(in.ContentType), "application/json"; got != want {
			t.Fatalf("content type mismatch: got %q want %q", got, want)
		}
		if got, want := in.Metadata["tid"], "wd01"; got != want {
			t.Fatalf("metadata mismatch: got %q want %q", got, want)
		}
		return &s3.PutObjectOutput{}, nil
	}
	client.getFn = func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		if got, want := aws.ToString(in.Key), "prod/withdrawals/w1/lifecycle/succeed.json"; got != want {
			t.Fatalf("get key mismatch: got %q want %q", got, want)
		}
		return &s3.GetObjectOutput{
			Body:        io.NopCloser(strings.NewReader(`{"tid":"wd01"}`)),
			ContentType: aws.String("application/json"),
			Metadata: map[string]string{
				"tid": "wd01",
			},
			ETag: aws.String(`"abc123"`),
		}, nil
	}
	client.headFn = func(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
		if got, want := aws.ToString(in.Key), "prod/withdrawals/w1/lifecycle/succeed.json"; got != want {
			t.Fatalf("head key mismatch: got %q want %q", got, want)
		}
		return &s3.HeadObjectOutput{}, nil
	}

	if err := store.Put(context.Background(), "withdrawals/w1/lifecycle/succeed.json", []byte(`{"tid":"wd01"}`), PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"tid": "wd01",
		},
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, err := store.Get(context.Background(), "withdrawals/w1/lifecycle/succeed.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got, want := string(obj.Data), `{"tid":"wd01"}`; got != want {
		t.Fatalf("data mismatch: got %q want %q", got, want)
	}
	if got, want := obj.ETag, "abc123"; got != want {
		t.Fatalf("etag mismatch: got %q want %q", got, want)
	}

	ok, err := store.Exists(context.Background(), "withdrawals/w1/lifecycle/succeed.json")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("Exists returned false for present object")
	}
}

func TestS3StoreMapsNotFound(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
		},
		headFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, fakeAPIError{code: "NotFound", msg: "missing"}
		},
	}

	store, err := NewStore(Config{
		Driver:   DriverS3,
		Bucket:   "custody-audit",
		S3Client: client,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	_, err = store.Get(context.Background(), "withdrawals/w2/lifecycle/failed.json")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Get, got %v", err)
	}

	ok, err := store.Exists(context.Background(), "withdrawals/w2/lifecycle/failed.json")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("Exists returned true for missing key")
	}
}

func TestS3StoreMaxGetSize(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{
				Body: io.NopCloser(strings.NewReader("this payload is too large")),
			}, nil
		},
	}

	store, err := NewStore(Config{
		Driver:     DriverS3,
		Bucket:     "custody-audit",
		S3Client:   client,
		MaxGetSize: 8,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	_, err = store.Get(context.Background(), "withdrawals/w3/lifecycle/succeed.json")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	putFn  func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn  func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headFn func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headFn == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string {
	return f.code
}

func (f fakeAPIError) ErrorMessage() string {
	return f.msg
}

func (f fakeAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultClient
}

func (f fakeAPIError) Error() string {
	return f.code + ": " + f.msg
}
