package cache

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3StorageOpenCreatesVisibleStore(t *testing.T) {
	ctx := context.Background()
	s := NewS3Storage("shell", newFakeS3())

	ok, err := s.Has(ctx, "datespark-v2")
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := s.Open(ctx, "datespark-v2")
	require.NoError(t, err)
	assert.Equal(t, "datespark-v2", st.Name())

	ok, err = s.Has(ctx, "datespark-v2")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"datespark-v2"}, names)
}

func TestS3StorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewS3Storage("shell", newFakeS3())
	st, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	require.NoError(t, st.Put(ctx, "/app.js?v=2", Object{
		Body:        []byte("console.log(1)"),
		Status:      200,
		ContentType: "application/javascript",
		Encoding:    "gzip",
		URL:         "http://origin/app.js?v=2",
		UpdatedAt:   now,
	}))

	obj, err := st.Get(ctx, "/app.js?v=2")
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(obj.Body))
	assert.Equal(t, 200, obj.Status)
	assert.Equal(t, "application/javascript", obj.ContentType)
	assert.Equal(t, "gzip", obj.Encoding)
	assert.Equal(t, "http://origin/app.js?v=2", obj.URL)
	assert.True(t, now.Equal(obj.UpdatedAt))

	keys, err := st.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/app.js?v=2"}, keys)

	_, err = st.Get(ctx, "/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Delete(ctx, "/app.js?v=2"))
	_, err = st.Get(ctx, "/app.js?v=2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3StorageDeleteRemovesOnlyNamedStore(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3Storage("shell", fake)

	v1, err := s.Open(ctx, "datespark-v1")
	require.NoError(t, err)
	require.NoError(t, v1.Put(ctx, "/", Object{Body: []byte("old")}))
	v2, err := s.Open(ctx, "datespark-v2")
	require.NoError(t, err)
	require.NoError(t, v2.Put(ctx, "/", Object{Body: []byte("new")}))

	ok, err := s.Delete(ctx, "datespark-v1")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"datespark-v2"}, names)

	obj, err := v2.Get(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, "new", string(obj.Body))

	ok, err = s.Delete(ctx, "datespark-v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3StorageNamesSkipsUnmarkedPrefixes(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3Storage("shell", fake)

	_, err := fake.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String("shell"),
		Key:    aws.String("uploads/logo.png"),
	})
	require.NoError(t, err)
	_, err = s.Open(ctx, "datespark-v2")
	require.NoError(t, err)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"datespark-v2"}, names)
	assert.Contains(t, fake.objects, "uploads/logo.png")
}

func TestS3StorageRejectsInvalidName(t *testing.T) {
	s := NewS3Storage("shell", newFakeS3())
	_, err := s.Open(context.Background(), "a/b")
	assert.Error(t, err)
	_, err = s.Open(context.Background(), "")
	assert.Error(t, err)
}

func TestParseStatusDefaultsToOK(t *testing.T) {
	assert.Equal(t, 200, parseStatus(nil))
	assert.Equal(t, 200, parseStatus(map[string]string{statusMetaKey: "x"}))
	assert.Equal(t, 203, parseStatus(map[string]string{statusMetaKey: "203"}))
}
