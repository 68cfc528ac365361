package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, baseURL string) *Client {
	c, err := NewClient(&Config{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		APISecret:  "test-secret",
		Sender:     "0312345678",
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

// parseAuth pulls the fields out of the HMAC Authorization header.
func parseAuth(header string) map[string]string {
	fields := map[string]string{}
	header = strings.TrimPrefix(header, "HMAC-SHA256 ")
	for _, part := range strings.Split(header, ", ") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			fields[kv[0]] = kv[1]
		}
	}
	return fields
}

func TestSendBatch(t *testing.T) {
	t.Run("signed request and mixed results", func(t *testing.T) {
		var gotAuth map[string]string
		var gotReq sendManyRequest

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = parseAuth(r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

			// verify the signature the way the aggregator would
			expect := sign("test-secret", gotAuth["date"], gotAuth["salt"])
			if gotAuth["signature"] != expect {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			json.NewEncoder(w).Encode(sendManyResponse{
				GroupID: "G4V20260830",
				Results: []RecipientResult{
					{Phone: "01011112222", StatusCode: "2000"},
					{Phone: "01033334444", StatusCode: "3041", ErrorMsg: "invalid number"},
				},
			})
		}))
		defer srv.Close()

		c := testClient(t, srv.URL)
		res, err := c.SendBatch(context.Background(), &BatchRequest{
			Type:       model.MessageTypeSMS,
			Text:       "hello",
			Recipients: []string{"01011112222", "01033334444"},
		})
		require.NoError(t, err)

		assert.Equal(t, "test-key", gotAuth["apiKey"])
		assert.NotEmpty(t, gotAuth["salt"])
		assert.Len(t, gotAuth["signature"], 64)

		require.Len(t, gotReq.Messages, 2)
		assert.Equal(t, "0312345678", gotReq.Messages[0].From)
		assert.Equal(t, "SMS", gotReq.Messages[0].Type)
		assert.Empty(t, gotReq.Messages[0].ImageID)
		assert.False(t, gotReq.AllowDuplicates)

		assert.Equal(t, "G4V20260830", res.GroupID)
		assert.Equal(t, 1, res.SuccessCount)
		assert.Equal(t, 1, res.FailCount)
	})

	t.Run("mms carries the media handle", func(t *testing.T) {
		var gotReq sendManyRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			json.NewEncoder(w).Encode(sendManyResponse{GroupID: "G1"})
		}))
		defer srv.Close()

		c := testClient(t, srv.URL)
		res, err := c.SendBatch(context.Background(), &BatchRequest{
			Type:        model.MessageTypeMMS,
			Text:        "promo",
			MediaHandle: "ST01FZ2UIDO8B4M1",
			Recipients:  []string{"01011112222"},
		})
		require.NoError(t, err)
		assert.Equal(t, "ST01FZ2UIDO8B4M1", gotReq.Messages[0].ImageID)
		// omitted results: full chunk counted as accepted
		assert.Equal(t, 1, res.SuccessCount)
		assert.Equal(t, 0, res.FailCount)
	})

	t.Run("4xx is fatal and not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errorCode":"ValidationError"}`))
		}))
		defer srv.Close()

		c := testClient(t, srv.URL)
		_, err := c.SendBatch(context.Background(), &BatchRequest{
			Type:       model.MessageTypeSMS,
			Text:       "hello",
			Recipients: []string{"01011112222"},
		})

		var batchErr *BatchDispatchError
		require.ErrorAs(t, err, &batchErr)
		assert.True(t, batchErr.Fatal())
		assert.Equal(t, http.StatusBadRequest, batchErr.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("5xx retried until success", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(sendManyResponse{GroupID: "G2"})
		}))
		defer srv.Close()

		c := testClient(t, srv.URL)
		res, err := c.SendBatch(context.Background(), &BatchRequest{
			Type:       model.MessageTypeSMS,
			Text:       "hello",
			Recipients: []string{"01011112222"},
		})
		require.NoError(t, err)
		assert.Equal(t, "G2", res.GroupID)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("5xx exhausts retries", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := testClient(t, srv.URL)
		_, err := c.SendBatch(context.Background(), &BatchRequest{
			Type:       model.MessageTypeSMS,
			Text:       "hello",
			Recipients: []string{"01011112222"},
		})
		require.Error(t, err)
		assert.Equal(t, int32(3), calls.Load()) // MaxRetries=2 -> 3 attempts
	})

	t.Run("empty chunk rejected locally", func(t *testing.T) {
		c := testClient(t, "http://127.0.0.1:1")
		_, err := c.SendBatch(context.Background(), &BatchRequest{Type: model.MessageTypeSMS, Text: "x"})
		require.Error(t, err)
	})
}

func TestUploadMedia(t *testing.T) {
	t.Run("returns handle", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req mediaUploadRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.NotEmpty(t, req.File)
			assert.Equal(t, "MMS", req.Type)
			json.NewEncoder(w).Encode(mediaUploadResponse{FileID: "ST01FZ2UIDO8B4M1"})
		}))
		defer srv.Close()

		c := testClient(t, srv.URL)
		handle, err := c.UploadMedia(context.Background(), []byte{0xFF, 0xD8, 0xFF}, "offer.jpg")
		require.NoError(t, err)
		assert.Equal(t, "ST01FZ2UIDO8B4M1", handle)
	})

	t.Run("empty handle is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(mediaUploadResponse{})
		}))
		defer srv.Close()

		c := testClient(t, srv.URL)
		_, err := c.UploadMedia(context.Background(), []byte{1}, "offer.jpg")
		require.Error(t, err)
	})

	t.Run("empty payload rejected locally", func(t *testing.T) {
		c := testClient(t, "http://127.0.0.1:1")
		_, err := c.UploadMedia(context.Background(), nil, "offer.jpg")
		require.Error(t, err)
	})
}

func TestListRecentGroups(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(listResponse{Messages: []GroupMessage{
			{GroupID: "G1", To: "01011112222", CreatedAt: "2026-08-29T10:00:00Z"},
			{GroupID: "G1", To: "01033334444", CreatedAt: "2026-08-29T10:00:00Z"},
			{GroupID: "G2", To: "01055556666", CreatedAt: "2026-08-29T11:00:00Z"},
			{GroupID: "", To: "01077778888"},
		}})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	groups, err := c.ListRecentGroups(context.Background(), time.Now().Add(-24*time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "G1", groups[0].GroupID)
	assert.Equal(t, 2, groups[0].MessageCount)
	assert.Equal(t, "G2", groups[1].GroupID)
}

func TestSignature(t *testing.T) {
	t.Run("distinct salts give distinct signatures", func(t *testing.T) {
		a := sign("secret", "2026-08-30T00:00:00Z", newSalt())
		b := sign("secret", "2026-08-30T00:00:00Z", newSalt())
		assert.NotEqual(t, a, b)
	})

	t.Run("header carries all fields", func(t *testing.T) {
		h := authHeader("k", "s", time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), "abc")
		fields := parseAuth(h)
		assert.Equal(t, "k", fields["apiKey"])
		assert.Equal(t, "2026-08-30T12:00:00Z", fields["date"])
		assert.Equal(t, "abc", fields["salt"])
		assert.Equal(t, sign("s", "2026-08-30T12:00:00Z", "abc"), fields["signature"])
	})
}
