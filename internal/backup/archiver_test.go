package backup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"key_gateway/internal/ledger"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_ObjectKey(t *testing.T) {
	a := NewS3ArchiverWithClient(&fakeS3{}, Config{Bucket: "b", Prefix: "ledger/", PodName: "gateway-0"}, nil)

	at := time.Date(2026, 3, 7, 14, 30, 22, 0, time.UTC)
	assert.Equal(t, "ledger/2026/03/07/gateway-0-20260307-143022-abc.json", a.ObjectKey(at, "abc"))
}

func TestS3Archiver_WriteSnapshot(t *testing.T) {
	fake := &fakeS3{}
	a := NewS3ArchiverWithClient(fake, Config{Bucket: "keygate-backups", Prefix: "ledger/"}, nil)
	a.now = func() time.Time { return time.Date(2026, 3, 7, 14, 30, 22, 0, time.UTC) }

	location, err := a.WriteSnapshot(context.Background(), map[string]ledger.Record{
		"key-a": {Count: 3, LastUsedAt: time.Unix(1718000000, 0), Valid: true},
	})
	require.NoError(t, err)

	require.NotNil(t, fake.input)
	key := aws.ToString(fake.input.Key)
	assert.Regexp(t, regexp.MustCompile(`^ledger/2026/03/07/gateway-20260307-143022-[0-9a-f-]{36}\.json$`), key)
	assert.Equal(t, "s3://keygate-backups/"+key, location)
	assert.Equal(t, "keygate-backups", aws.ToString(fake.input.Bucket))
	assert.Equal(t, "application/json", aws.ToString(fake.input.ContentType))
	assert.Equal(t, types.ServerSideEncryptionAes256, fake.input.ServerSideEncryption)

	var got map[string]ledger.Record
	require.NoError(t, json.Unmarshal(fake.body, &got))
	assert.Equal(t, int64(3), got["key-a"].Count)
}

func TestS3Archiver_UploadFailure(t *testing.T) {
	a := NewS3ArchiverWithClient(&fakeS3{err: errors.New("AccessDenied")}, Config{Bucket: "b"}, nil)

	_, err := a.WriteSnapshot(context.Background(), map[string]ledger.Record{})
	assert.ErrorContains(t, err, "AccessDenied")
}
