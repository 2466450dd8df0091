package patient

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
)

// -- MongoDB Repository --

// mongoRecord is the stored document. Details keeps the wizard fields as a
// subdocument so updates can $set single keys.
type mongoRecord struct {
	ID        string    `bson:"_id"`
	CaseID    string    `bson:"case_id"`
	OwnerID   string    `bson:"owner_id"`
	Status    string    `bson:"status"`
	Version   int       `bson:"version"`
	Details   bson.Raw  `bson:"details"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type recordRepoMongo struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoRepo(db *mongo.Database) Repository {
	return &recordRepoMongo{coll: db.Collection("patient_records"), now: time.Now}
}

// EnsureMongoIndexes creates the unique case id index and listing indexes.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("patient_records").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "case_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create patient record indexes: %w", err)
	}
	return nil
}

func toDetailsDoc(fields Fields) bson.M {
	doc := bson.M{}
	for k, v := range fields {
		doc[k] = v
	}
	return doc
}

func (m mongoRecord) toRecord() (*Record, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	fields := Fields{}
	var elems []bson.RawElement
	if len(m.Details) > 0 {
		if elems, err = m.Details.Elements(); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	for _, el := range elems {
		key := el.Key()
		if key == casefields.ScanFiles {
			var files casefields.ScanFileMap
			if doc, ok := el.Value().DocumentOK(); ok {
				if err := bson.Unmarshal(doc, &files); err != nil {
					return nil, fmt.Errorf("decode scanFiles: %w", err)
				}
			}
			fields[key] = files
			continue
		}
		s, _ := el.Value().StringValueOK()
		fields[key] = s
	}
	return &Record{
		ID: id, CaseID: m.CaseID, OwnerID: m.OwnerID, Status: Status(m.Status), Version: m.Version,
		Fields: fields, CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC(),
	}, nil
}

func (r *recordRepoMongo) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = StatusDraft
	}
	if rec.Fields == nil {
		rec.Fields = Fields{}
	}
	now := r.now().UTC().Truncate(time.Millisecond)
	rec.Version, rec.CreatedAt, rec.UpdatedAt = 1, now, now

	_, err := r.coll.InsertOne(ctx, bson.M{
		"_id":        rec.ID.String(),
		"case_id":    rec.CaseID,
		"owner_id":   rec.OwnerID,
		"status":     string(rec.Status),
		"version":    rec.Version,
		"details":    toDetailsDoc(rec.Fields),
		"created_at": now,
		"updated_at": now,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateCaseID
		}
		return fmt.Errorf("insert patient record: %w", err)
	}
	return nil
}

func (r *recordRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	var doc mongoRecord
	if err := r.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get patient record: %w", err)
	}
	return doc.toRecord()
}

// Patch sets details.<key> per field so untouched keys keep their values.
func (r *recordRepoMongo) Patch(ctx context.Context, id uuid.UUID, fields Fields, status Status, expectedVersion int) (*Record, error) {
	set := bson.M{"updated_at": r.now().UTC()}
	for k, v := range fields {
		set["details."+k] = v
	}
	if status != "" {
		set["status"] = string(status)
	}

	filter := bson.M{"_id": id.String()}
	if expectedVersion > 0 {
		filter["version"] = expectedVersion
	}

	var doc mongoRecord
	err := r.coll.FindOneAndUpdate(ctx, filter,
		bson.M{"$set": set, "$inc": bson.M{"version": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			if expectedVersion > 0 {
				if _, gerr := r.GetByID(ctx, id); gerr == nil {
					return nil, ErrVersionConflict
				}
			}
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update patient record: %w", err)
	}
	return doc.toRecord()
}

func (r *recordRepoMongo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return fmt.Errorf("delete patient record: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoMongo) List(ctx context.Context, f ListFilter) ([]*Record, int, error) {
	filter := bson.M{}
	if f.OwnerID != "" {
		filter["owner_id"] = f.OwnerID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := bson.M{"$regex": regexp.QuoteMeta(s), "$options": "i"}
		filter["$or"] = bson.A{
			bson.M{"details." + casefields.PatientName: pattern},
			bson.M{"case_id": pattern},
		}
	}

	total, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count patient records: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	cur, err := r.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "case_id", Value: -1}}).
		SetSkip(int64(f.Offset)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, 0, fmt.Errorf("list patient records: %w", err)
	}
	defer cur.Close(ctx)

	var items []*Record
	for cur.Next(ctx) {
		var doc mongoRecord
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decode patient record: %w", err)
		}
		rec, err := doc.toRecord()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, int(total), cur.Err()
}

func (r *recordRepoMongo) ReferencesFileKey(ctx context.Context, key string) (bool, error) {
	// One clause per upload slot: details.scanFiles.<slot>.fileKey.
	var conds bson.A
	for _, slot := range casefields.Slots() {
		conds = append(conds, bson.M{"details." + casefields.ScanFiles + "." + slot.Name + ".fileKey": key})
	}
	n, err := r.coll.CountDocuments(ctx, bson.M{"$or": conds}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check file reference: %w", err)
	}
	return n > 0, nil
}
