package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultMongoDatabase = "keyvault"

// MongoStore implements Store on two MongoDB collections, "items" and
// "settings".
type MongoStore struct {
	client   *mongo.Client
	items    *mongo.Collection
	settings *mongo.Collection
}

type mongoItem struct {
	ID         string    `bson:"_id"`
	Service    string    `bson:"service"`
	Key        string    `bson:"key"`
	Ciphertext string    `bson:"ciphertext"`
	Metadata   []byte    `bson:"metadata,omitempty"`
	UpdatedAt  time.Time `bson:"updatedAt"`
}

type mongoSettings struct {
	ID        string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	Version   string    `bson:"version"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// NewMongoStore connects to uri and prepares the collections of database.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	if database == "" {
		database = defaultMongoDatabase
	}

	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	// Verify connection quickly
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := cli.Database(database)
	items := db.Collection("items")

	_, err = items.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "service", Value: 1}, {Key: "key", Value: 1}},
	})
	if err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create item index: %w", err)
	}

	return &MongoStore{
		client:   cli,
		items:    items,
		settings: db.Collection("settings"),
	}, nil
}

func (m *MongoStore) GetAll(ctx context.Context, service string) ([]Item, error) {
	if err := ValidateService(service); err != nil {
		return nil, fmt.Errorf("invalid service: %w", err)
	}

	cur, err := m.items.Find(ctx, bson.M{"service": service},
		options.Find().SetSort(bson.D{{Key: "key", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer cur.Close(ctx)

	items := []Item{}
	for cur.Next(ctx) {
		var doc mongoItem
		if err = cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode item: %w", err)
		}
		items = append(items, doc.toItem())
	}
	return items, cur.Err()
}

func (m *MongoStore) Get(ctx context.Context, key, service string) (*Item, error) {
	var doc mongoItem
	err := m.items.FindOne(ctx, bson.M{"_id": mongoItemID(key, service)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	item := doc.toItem()
	return &item, nil
}

func (m *MongoStore) Put(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}

	doc := mongoItem{
		ID:         mongoItemID(item.Key, item.Service),
		Service:    item.Service,
		Key:        item.Key,
		Ciphertext: item.Ciphertext,
		Metadata:   item.Metadata,
		UpdatedAt:  item.UpdatedAt,
	}
	_, err := m.items.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (m *MongoStore) Delete(ctx context.Context, key, service string) error {
	result, err := m.items.DeleteOne(ctx, bson.M{"_id": mongoItemID(key, service)})
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) ListServices(ctx context.Context) ([]string, error) {
	values, err := m.items.Distinct(ctx, "service", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	services := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			services = append(services, s)
		}
	}
	sort.Strings(services)
	return services, nil
}

func (m *MongoStore) LoadSettings(ctx context.Context, name string) (*VersionedData, error) {
	var doc mongoSettings
	err := m.settings.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings %s: %w", name, err)
	}
	return &VersionedData{Data: doc.Data, Version: doc.Version, Timestamp: doc.UpdatedAt}, nil
}

func (m *MongoStore) SaveSettings(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if err := validateSettingsName(name); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("settings data cannot be nil")
	}

	version := contentVersion(data)
	update := bson.M{"$set": bson.M{
		"data":      data,
		"version":   version,
		"updatedAt": time.Now().UTC(),
	}}

	if expectedVersion == "" {
		_, err := m.settings.UpdateByID(ctx, name, update, options.Update().SetUpsert(true))
		if err != nil {
			return "", fmt.Errorf("failed to save settings %s: %w", name, err)
		}
		return version, nil
	}

	// the filter on version makes the compare and the write a single operation
	result, err := m.settings.UpdateOne(ctx, bson.M{"_id": name, "version": expectedVersion}, update)
	if err != nil {
		return "", fmt.Errorf("failed to save settings %s: %w", name, err)
	}
	if result.MatchedCount == 0 {
		actual := ""
		if current, loadErr := m.LoadSettings(ctx, name); loadErr == nil {
			actual = current.Version
		}
		return "", ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   actual,
			Operation:       "SaveSettings",
		}
	}
	return version, nil
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) GetType() string {
	return string(StoreTypeMongo)
}

func mongoItemID(key, service string) string {
	return service + "\x00" + key
}

func (d mongoItem) toItem() Item {
	return Item{
		Key:        d.Key,
		Service:    d.Service,
		Ciphertext: d.Ciphertext,
		Metadata:   d.Metadata,
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
}
