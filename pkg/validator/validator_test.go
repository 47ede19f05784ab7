package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Success(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Response{
			Status:           "success",
			TransactionItems: []json.RawMessage{json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":2}`)},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Validate(context.Background(), &Request{
		Prepare:         Prepare{OutputS3Uri: "s3://b/runs/1/output.zip"},
		SeedOutputS3Uri: "s3://b/runs/1/seed_output.zip",
		S3:              NewSource("inbound", "drop/file.zip"),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Len(t, resp.TransactionItems, 2)

	// Booleans must be serialized even when false.
	assert.Equal(t, "s3://b/runs/1/output.zip", got.Prepare.OutputS3Uri)
	assert.False(t, got.PrepareSkipped)
	assert.False(t, got.SaveErrorsOnValidationFailure)
	require.NotNil(t, got.S3)
	assert.Equal(t, "inbound", got.S3.Bucket.Name)
	assert.Equal(t, "drop/file.zip", got.S3.Object.Key)
}

func TestValidate_FailureWithNewErrorsCSV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, "validation failed. Submit errors csv: s3://b/k2.csv")
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Validate(context.Background(), &Request{})
	require.Error(t, err)

	var nee *NewErrorsError
	require.True(t, errors.As(err, &nee))
	assert.Equal(t, "s3://b/k2.csv", nee.ErrorsS3Uri)
}

func TestValidate_PlainFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Validate(context.Background(), &Request{})
	require.Error(t, err)
	var nee *NewErrorsError
	assert.False(t, errors.As(err, &nee))
}

func TestExtractErrorsS3Uri(t *testing.T) {
	t.Run("typed variant", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", &NewErrorsError{ErrorsS3Uri: "s3://b/typed.csv", Message: "x"})
		uri, typed := ExtractErrorsS3Uri(err)
		assert.Equal(t, "s3://b/typed.csv", uri)
		assert.True(t, typed)
	})

	t.Run("regex fallback", func(t *testing.T) {
		uri, typed := ExtractErrorsS3Uri(errors.New("Submit errors csv: s3://b/k2.csv and more"))
		assert.Equal(t, "s3://b/k2.csv", uri)
		assert.False(t, typed)
	})

	t.Run("no uri", func(t *testing.T) {
		uri, _ := ExtractErrorsS3Uri(errors.New("something else"))
		assert.Equal(t, "", uri)
	})

	t.Run("nil error", func(t *testing.T) {
		uri, _ := ExtractErrorsS3Uri(nil)
		assert.Equal(t, "", uri)
	})
}
