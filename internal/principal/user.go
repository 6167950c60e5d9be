package principal

import (
	"context"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
	"carbontrace/internal/gateway"
	"carbontrace/internal/guard"
)

var profileFieldsUser = guard.NewFieldSet("username", "name", "password", "email")

// User is an individual-consumer principal. Its tenant id is the account
// id itself.
type User struct {
	base
}

func (u *User) Profile(ctx context.Context) (domain.Document, error) {
	account, err := u.store.Collection(domain.ColUsers).FindOne(ctx,
		bson.M{domain.FieldID: u.id},
		bson.M{
			"email":            1,
			"current_pledge":   1,
			"username":         1,
			"spriving":         1,
			domain.FieldTenant: "$_id",
			domain.FieldID:     0,
		})
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrNotFound("account not found")
	}
	return account, nil
}

func (u *User) UpdateProfile(ctx context.Context, updates bson.M) (bool, error) {
	if err := guard.ProtectFields(guard.KeysOf(updates), profileFieldsUser); err != nil {
		return false, err
	}
	if err := hashPasswordField(updates); err != nil {
		return false, err
	}
	modified, err := u.store.Collection(domain.ColUsers).UpdateOne(ctx,
		bson.M{domain.FieldID: u.id}, bson.M{"$set": updates}, false)
	if err != nil {
		return false, err
	}
	return modified > 0, nil
}

// Logs pages the user's product log history, newest first.
func (u *User) Logs(ctx context.Context, limit, skip int64) (domain.Page, error) {
	return u.logsPage(ctx, domain.ColProductLogs, limit, skip)
}

// LogProductEmissions records the footprint of consuming a published
// product: the product's factor co2e is multiplied by the quantity and
// appended to the user's product logs.
func (u *User) LogProductEmissions(ctx context.Context, productID primitive.ObjectID, value float64) (domain.Document, error) {
	if value <= 0 {
		value = 1
	}
	factor, err := u.store.Collection(domain.ColEmissionFactors).FindOne(ctx,
		bson.M{"source": string(domain.KindPartner), "product_id": productID},
		bson.M{"name": 1, domain.FieldCO2e: 1, "image": 1, "rating": 1, domain.FieldID: 0})
	if err != nil {
		return nil, err
	}
	if factor == nil {
		return nil, domain.ErrNotFound("a product with the id %s does not exist", productID.Hex())
	}
	log := u.stamp(bson.M{
		domain.FieldCO2e: numeric(factor[domain.FieldCO2e]) * value,
		"value":          value,
		"unit":           "count",
		"unit_type":      "count",
		"name":           factor["name"],
		"image":          factor["image"],
		"rating":         factor["rating"],
		"product_id":     productID,
	})
	if _, err := u.store.Collection(domain.ColProductLogs).InsertOne(ctx, log); err != nil {
		return nil, err
	}
	return log, nil
}

// ProductLogsByDay groups the user's product logs into daily co2e sums
// in the given timezone, oldest day first, with the average across days.
// A positive limit keeps only the most recent days.
func (u *User) ProductLogsByDay(ctx context.Context, tz string, limit int) (domain.Document, error) {
	loc := time.UTC
	if tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, domain.ErrInvalidRequest("invalid timezone %q", tz)
		}
		loc = parsed
	}
	docs, err := u.gw.Find(ctx, u.id, domain.ColProductLogs, bson.M{})
	if err != nil {
		return nil, err
	}
	perDay := map[string]float64{}
	for _, doc := range docs {
		created, ok := doc[domain.FieldCreated].(time.Time)
		if !ok {
			continue
		}
		day := created.In(loc).Format("2006-01-02")
		perDay[day] += numeric(doc[domain.FieldCO2e])
	}
	days := make([]string, 0, len(perDay))
	for day := range perDay {
		days = append(days, day)
	}
	sort.Strings(days)
	total := 0.0
	logs := make([]domain.Document, 0, len(days))
	for _, day := range days {
		total += perDay[day]
		logs = append(logs, domain.Document{"date": day, domain.FieldCO2e: perDay[day]})
	}
	average := 0.0
	if len(days) > 0 {
		average = total / float64(len(days))
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return domain.Document{"logs": logs, "average_co2e": average}, nil
}

// EmissionsSince sums the user's product-log co2e per named period: each
// entry maps a period label to an ISO-8601 date, and the result carries
// the co2e logged after that instant under the same label, plus the
// all-time total.
func (u *User) EmissionsSince(ctx context.Context, dateRanges map[string]string) (domain.Document, error) {
	since := map[string]time.Time{}
	for period, raw := range dateRanges {
		t, err := gateway.ParseTime(raw)
		if err != nil {
			return nil, err
		}
		since[period] = t
	}
	docs, err := u.gw.Find(ctx, u.id, domain.ColProductLogs, bson.M{})
	if err != nil {
		return nil, err
	}
	out := domain.Document{}
	for period := range since {
		out[period] = 0.0
	}
	total := 0.0
	for _, doc := range docs {
		co2e := numeric(doc[domain.FieldCO2e])
		total += co2e
		created, ok := doc[domain.FieldCreated].(time.Time)
		if !ok {
			continue
		}
		for period, cutoff := range since {
			if created.After(cutoff) {
				out[period] = out[period].(float64) + co2e
			}
		}
	}
	out["total"] = total
	return out, nil
}

// StarredProducts pages the user's starred products, newest star first.
func (u *User) StarredProducts(ctx context.Context, limit, skip int64) (domain.Page, error) {
	return u.gw.Paginate(ctx, u.id, domain.ColStars, bson.M{},
		bson.D{{Key: domain.FieldCreated, Value: -1}}, limit, skip)
}

var pledgeFields = guard.Rules{
	Allowed:       guard.NewFieldSet("frequency", "co2e", "message", "recurring"),
	Required:      guard.NewFieldSet("frequency", "co2e"),
	InvalidPrefix: "can't interpret fields",
}

// SetPledge stores the user's current pledge. The pledge document is
// upserted into the pledges collection, where the public feed, partner
// stats, and the accrual sweep read it; a recurring pledge is marked
// active with its co2e as the per-interval accrual factor. The user
// document mirrors the pledge for the profile view.
func (u *User) SetPledge(ctx context.Context, pledge bson.M) (bool, error) {
	if err := guard.ProtectAndRequire(guard.KeysOf(pledge), pledgeFields); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	doc := bson.M{
		domain.FieldTenant:  u.id,
		domain.FieldCreated: now,
		"last_updated":      now,
	}
	for k, v := range pledge {
		doc[k] = v
	}
	doc["co2e_factor"] = doc[domain.FieldCO2e]
	update := bson.M{"$set": doc}
	if recurring, _ := doc["recurring"].(bool); recurring {
		doc["status"] = "active"
	} else {
		// A replacement pledge must not inherit active status from a
		// recurring predecessor.
		doc["recurring"] = false
		update["$unset"] = bson.M{"status": ""}
	}
	if _, err := u.store.Collection(domain.ColPledges).UpdateOne(ctx,
		bson.M{domain.FieldTenant: u.id}, update, true); err != nil {
		return false, err
	}
	modified, err := u.store.Collection(domain.ColUsers).UpdateOne(ctx,
		bson.M{domain.FieldID: u.id},
		bson.M{"$set": bson.M{"current_pledge": pledge}}, false)
	if err != nil {
		return false, err
	}
	return modified > 0, nil
}

// ClearPledge removes the pledge document and unsets the profile mirror.
func (u *User) ClearPledge(ctx context.Context) (bool, error) {
	if _, err := u.store.Collection(domain.ColPledges).DeleteMany(ctx,
		bson.M{domain.FieldTenant: u.id}); err != nil {
		return false, err
	}
	modified, err := u.store.Collection(domain.ColUsers).UpdateOne(ctx,
		bson.M{domain.FieldID: u.id},
		bson.M{"$set": bson.M{"current_pledge": nil}}, false)
	if err != nil {
		return false, err
	}
	return modified > 0, nil
}

// TimesLogged counts the user's product logs after a given instant.
func (u *User) TimesLogged(ctx context.Context, sinceDate string) (int64, error) {
	since, err := gateway.ParseTime(sinceDate)
	if err != nil {
		return 0, err
	}
	return u.store.Collection(domain.ColProductLogs).CountDocuments(ctx, bson.M{
		domain.FieldTenant:  u.id,
		domain.FieldCreated: bson.M{"$gt": since},
	})
}

// StartSpriving subscribes the user to the membership.
func (u *User) StartSpriving(ctx context.Context) (bool, error) {
	return u.setSpriving(ctx, true)
}

// StopSpriving cancels the membership.
func (u *User) StopSpriving(ctx context.Context) (bool, error) {
	return u.setSpriving(ctx, false)
}

func (u *User) setSpriving(ctx context.Context, spriving bool) (bool, error) {
	modified, err := u.store.Collection(domain.ColUsers).UpdateOne(ctx,
		bson.M{domain.FieldID: u.id},
		bson.M{"$set": bson.M{"spriving": spriving}}, false)
	if err != nil {
		return false, err
	}
	return modified > 0, nil
}
