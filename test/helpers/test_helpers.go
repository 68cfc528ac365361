package helpers

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/repository"
	"github.com/masgolf/campaign-gateway/pkg/pg"
	"github.com/masgolf/campaign-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&repository.CampaignMessageEntity{},
		&repository.DeliveryLogEntity{},
		&repository.MediaAssetEntity{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return pgDB
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	adapter, err := redis.NewRedisAdapter("test", "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func CreateTestCampaign(t *testing.T, db *pg.DB, text string, status model.CampaignStatus, recipients []string) *repository.CampaignMessageEntity {
	ctx := context.Background()
	encoded, err := json.Marshal(recipients)
	require.NoError(t, err)
	msg := &repository.CampaignMessageEntity{
		Text:       text,
		Type:       string(model.MessageTypeSMS),
		MediaKind:  string(model.MediaNone),
		Recipients: encoded,
		Status:     string(status),
		CreatedAt:  time.Now(),
	}
	err = db.Write(ctx).Create(msg).Error
	require.NoError(t, err)
	return msg
}

func CreateTestDeliveryLog(t *testing.T, db *pg.DB, messageID int64, phone string, status model.DeliveryStatus) *repository.DeliveryLogEntity {
	ctx := context.Background()
	entry := &repository.DeliveryLogEntity{
		MessageID: messageID,
		Phone:     phone,
		Status:    string(status),
		Channel:   "solapi",
		SentAt:    time.Now(),
	}
	err := db.Write(ctx).Create(entry).Error
	require.NoError(t, err)
	return entry
}

func CreateTestMediaAsset(t *testing.T, db *pg.DB, sourceURL, handle string) *repository.MediaAssetEntity {
	ctx := context.Background()
	asset := &repository.MediaAssetEntity{
		SourceURL:  sourceURL,
		Handle:     handle,
		ResolvedAt: time.Now(),
	}
	err := db.Write(ctx).Create(asset).Error
	require.NoError(t, err)
	return asset
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func Ptr[T any](v T) *T {
	return &v
}
