package principal

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
	"carbontrace/internal/gateway"
	"carbontrace/internal/guard"
)

// ProductStages are the life-cycle stages a product process belongs to.
// A product must carry at least one process in every stage before it can
// be published.
var ProductStages = guard.NewFieldSet("sourcing", "assembly", "processing", "transport")

var profileFieldsPartner = guard.NewFieldSet("username", "name", "password", "email", "measurement_categories")

// Partner is a company-level principal. Its tenant id is the company id,
// shared by every account under the company; userID identifies the
// specific account making the request.
type Partner struct {
	base
	userID primitive.ObjectID
}

// UserID is the acting account's id, as opposed to the company-wide
// tenant id returned by ID.
func (p *Partner) UserID() primitive.ObjectID { return p.userID }

func (p *Partner) Profile(ctx context.Context) (domain.Document, error) {
	account, err := p.store.Collection(domain.ColPartners).FindOne(ctx,
		bson.M{domain.FieldID: p.userID},
		bson.M{
			domain.FieldTenant:       "$company_id",
			"user_id":                "$_id",
			"role":                   1,
			"username":               1,
			"team":                   1,
			"joined":                 1,
			"email":                  1,
			"company":                1,
			"company_email":          1,
			"measurement_categories": 1,
			"region":                 1,
			domain.FieldID:           0,
		})
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrNotFound("account not found")
	}
	return account, nil
}

// UpdateProfile applies a partial profile update after checking the
// field allow-list. A username change retargets task assignments that
// referenced the old name.
func (p *Partner) UpdateProfile(ctx context.Context, updates bson.M) (bool, error) {
	if err := guard.ProtectFields(guard.KeysOf(updates), profileFieldsPartner); err != nil {
		return false, err
	}
	if err := hashPasswordField(updates); err != nil {
		return false, err
	}
	if newUsername, ok := updates["username"]; ok {
		account, err := p.store.Collection(domain.ColPartners).FindOne(ctx,
			bson.M{domain.FieldID: p.userID}, bson.M{"username": 1})
		if err != nil {
			return false, err
		}
		if account != nil {
			if _, err := p.store.Collection(domain.ColTasks).UpdateMany(ctx,
				bson.M{domain.FieldTenant: p.id, "assignee": account["username"]},
				bson.M{"$set": bson.M{"assignee": newUsername}}); err != nil {
				return false, err
			}
		}
	}
	modified, err := p.store.Collection(domain.ColPartners).UpdateOne(ctx,
		bson.M{domain.FieldID: p.userID}, bson.M{"$set": updates}, false)
	if err != nil {
		return false, err
	}
	return modified > 0, nil
}

func (p *Partner) Logs(ctx context.Context, limit, skip int64) (domain.Page, error) {
	return p.logsPage(ctx, domain.ColLogs, limit, skip)
}

// productNames returns the distinct product names the partner has
// created, used for the uniqueness check on create and rename.
func (p *Partner) productNames(ctx context.Context) ([]string, error) {
	raw, err := p.store.Collection(domain.ColProducts).Distinct(ctx, "name",
		bson.M{domain.FieldTenant: p.id})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

var processFields = guard.NewFieldSet("activity", "value", "unit", "unit_type", "stage", "process")

// CreateProduct inserts the denormalized per-process documents of a new
// product, all sharing a fresh product_id. Names are unique per tenant
// and every process must name a known stage.
func (p *Partner) CreateProduct(ctx context.Context, name string, processes []bson.M) (primitive.ObjectID, error) {
	if name == "" {
		return primitive.NilObjectID, domain.ErrMissingData("missing required fields: name")
	}
	if len(processes) == 0 {
		return primitive.NilObjectID, domain.ErrMissingData("missing required fields: processes")
	}
	names, err := p.productNames(ctx)
	if err != nil {
		return primitive.NilObjectID, err
	}
	for _, existing := range names {
		if existing == name {
			return primitive.NilObjectID, domain.ErrConflict("a product with that name has already been created")
		}
	}
	for _, proc := range processes {
		if err := guard.ProtectAndRequire(guard.KeysOf(proc), guard.Rules{
			Allowed:  processFields,
			Required: guard.NewFieldSet("activity", "value", "unit", "stage"),
		}); err != nil {
			return primitive.NilObjectID, err
		}
		stage, _ := proc["stage"].(string)
		if _, ok := ProductStages[stage]; !ok {
			return primitive.NilObjectID, domain.ErrInvalidRequest("invalid stage name: %s", stage)
		}
	}

	productID := primitive.NewObjectID()
	now := time.Now().UTC()
	docs := make([]domain.Document, 0, len(processes))
	for _, proc := range processes {
		doc := bson.M{}
		for k, v := range proc {
			doc[k] = v
		}
		if doc["process"] == nil || doc["process"] == "" {
			doc["process"] = doc["activity"]
		}
		doc["product_id"] = productID
		doc[domain.FieldTenant] = p.id
		doc[domain.FieldCreated] = now
		doc[domain.FieldLastUpdate] = now
		doc[domain.FieldCO2e] = stubCo2e(4)
		doc["name"] = name
		doc["published"] = false
		docs = append(docs, doc)
	}
	if _, err := p.store.Collection(domain.ColProducts).InsertMany(ctx, docs); err != nil {
		return primitive.NilObjectID, err
	}
	return productID, nil
}

// Products lists the partner's products, one entry per product_id with
// summed co2e, newest update first.
func (p *Partner) Products(ctx context.Context, publishedOnly bool) ([]domain.Document, error) {
	filter := bson.M{}
	if publishedOnly {
		filter["published"] = true
	}
	docs, err := p.gw.Find(ctx, p.id, domain.ColProducts, filter)
	if err != nil {
		return nil, err
	}
	return groupProducts(docs), nil
}

// groupProducts folds per-process documents into one summary per
// product_id with summed co2e and the first-seen display fields.
func groupProducts(docs []domain.Document) []domain.Document {
	order := []primitive.ObjectID{}
	grouped := map[primitive.ObjectID]domain.Document{}
	for _, doc := range docs {
		pid, ok := doc["product_id"].(primitive.ObjectID)
		if !ok {
			continue
		}
		summary, seen := grouped[pid]
		if !seen {
			summary = domain.Document{
				"product_id":           pid,
				domain.FieldCO2e:       0.0,
				"keywords":             doc["keywords"],
				"category":             doc["category"],
				"rating":               doc["rating"],
				"image":                doc["image"],
				"name":                 doc["name"],
				domain.FieldCreated:    doc[domain.FieldCreated],
				domain.FieldLastUpdate: doc[domain.FieldLastUpdate],
			}
			grouped[pid] = summary
			order = append(order, pid)
		}
		summary[domain.FieldCO2e] = summary[domain.FieldCO2e].(float64) + numeric(doc[domain.FieldCO2e])
		if later(doc[domain.FieldLastUpdate], summary[domain.FieldLastUpdate]) {
			summary[domain.FieldLastUpdate] = doc[domain.FieldLastUpdate]
		}
	}
	out := make([]domain.Document, 0, len(order))
	for _, pid := range order {
		out = append(out, grouped[pid])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return later(out[i][domain.FieldLastUpdate], out[j][domain.FieldLastUpdate])
	})
	return out
}

// Product returns one product with its processes grouped by stage.
func (p *Partner) Product(ctx context.Context, productID primitive.ObjectID) (domain.Document, error) {
	docs, err := p.gw.Find(ctx, p.id, domain.ColProducts, bson.M{"product_id": productID})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, domain.ErrNotFound("product with id %s does not exist", productID.Hex())
	}
	return buildProductView(docs), nil
}

// buildProductView assembles the product -> stages -> processes shape
// returned to clients from flat per-process documents.
func buildProductView(docs []domain.Document) domain.Document {
	stageOrder := []string{}
	stages := map[string]domain.Document{}
	total := 0.0
	for _, doc := range docs {
		stageName, _ := doc["stage"].(string)
		stage, seen := stages[stageName]
		if !seen {
			stage = domain.Document{
				"stage":          stageName,
				domain.FieldCO2e: 0.0,
				"processes":      []domain.Document{},
			}
			stages[stageName] = stage
			stageOrder = append(stageOrder, stageName)
		}
		process := domain.Document{
			domain.FieldID:       doc[domain.FieldID],
			"process":            doc["process"],
			"activity":           doc["activity"],
			"activity_id":        doc["activity_id"],
			"activity_unit":      doc["activity_unit"],
			"activity_unit_type": doc["activity_unit_type"],
			"activity_value":     doc["activity_value"],
			domain.FieldCO2e:     doc[domain.FieldCO2e],
		}
		stage["processes"] = append(stage["processes"].([]domain.Document), process)
		stage[domain.FieldCO2e] = stage[domain.FieldCO2e].(float64) + numeric(doc[domain.FieldCO2e])
		total += numeric(doc[domain.FieldCO2e])
	}
	stageList := make([]domain.Document, 0, len(stageOrder))
	for _, name := range stageOrder {
		stage := stages[name]
		stage["num_processes"] = len(stage["processes"].([]domain.Document))
		stageList = append(stageList, stage)
	}
	first := docs[0]
	return domain.Document{
		"product_id":     first["product_id"],
		"name":           first["name"],
		"keywords":       first["keywords"],
		"published":      first["published"],
		"unit_types":     first["unit_types"],
		"activity":       first["activity"],
		"stars":          first["stars"],
		"image":          first["image"],
		domain.FieldCO2e: total,
		"stages":         stageList,
	}
}

// UpdateProduct renames a product or replaces its keywords. The rename
// keeps names unique per tenant.
func (p *Partner) UpdateProduct(ctx context.Context, productID primitive.ObjectID, updates bson.M) (bool, error) {
	if err := guard.ProtectFields(guard.KeysOf(updates), guard.NewFieldSet("name", "keywords")); err != nil {
		return false, err
	}
	if rename, ok := updates["name"].(string); ok {
		names, err := p.productNames(ctx)
		if err != nil {
			return false, err
		}
		for _, existing := range names {
			if existing == rename {
				return false, domain.ErrConflict("a product with that name has already been created")
			}
		}
	}
	set := bson.M{}
	for k, v := range updates {
		if s, ok := v.(string); ok {
			set[k] = strings.TrimSpace(s)
			continue
		}
		set[k] = v
	}
	return p.gw.GuardedUpdate(ctx, p.id, domain.ColProducts,
		bson.M{"product_id": productID}, bson.M{"$set": set},
		"product with id "+productID.Hex()+" does not exist")
}

// DeleteProduct removes a product and all of its process documents.
func (p *Partner) DeleteProduct(ctx context.Context, productID primitive.ObjectID) (bool, error) {
	if err := p.gw.AssertExists(ctx, p.id, domain.ColProducts,
		bson.M{"product_id": productID},
		"product with id "+productID.Hex()+" does not exist"); err != nil {
		return false, err
	}
	deleted, err := p.store.Collection(domain.ColProducts).DeleteMany(ctx,
		bson.M{domain.FieldTenant: p.id, "product_id": productID})
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

var processUpdateFields = guard.NewFieldSet(
	"process", "activity_value", "activity_unit", "activity_unit_type", "activity", "activity_id")

// CreateProcess adds a process document to an existing product's stage.
func (p *Partner) CreateProcess(ctx context.Context, productID primitive.ObjectID, stage string, data bson.M) (primitive.ObjectID, error) {
	if _, ok := ProductStages[stage]; !ok {
		return primitive.NilObjectID, domain.ErrInvalidRequest("invalid stage name: %s", stage)
	}
	if err := guard.RequireFields(guard.KeysOf(data), guard.NewFieldSet("activity")); err != nil {
		return primitive.NilObjectID, err
	}
	now := time.Now().UTC()
	doc := bson.M{}
	for k, v := range data {
		doc[k] = v
	}
	if doc["process"] == nil || doc["process"] == "" {
		doc["process"] = doc["activity"]
	}
	doc["product_id"] = productID
	doc["stage"] = stage
	doc[domain.FieldTenant] = p.id
	doc[domain.FieldCreated] = now
	doc[domain.FieldLastUpdate] = now
	doc[domain.FieldCO2e] = stubCo2e(4)
	doc["name"] = doc["process"]
	return p.store.Collection(domain.ColProducts).InsertOne(ctx, doc)
}

// UpdateProcess edits one process document; the co2e stub recomputes on
// every edit, mirroring a real recalculation.
func (p *Partner) UpdateProcess(ctx context.Context, processID primitive.ObjectID, update bson.M) (bool, error) {
	set := bson.M{}
	for k, v := range update {
		set[k] = v
	}
	if name, ok := set["name"]; ok {
		set["process"] = name
		delete(set, "name")
	}
	if err := guard.ProtectFields(guard.KeysOf(set), processUpdateFields); err != nil {
		return false, err
	}
	set[domain.FieldCO2e] = stubCo2e(4)
	set[domain.FieldLastUpdate] = time.Now().UTC()
	return p.gw.GuardedUpdate(ctx, p.id, domain.ColProducts,
		bson.M{domain.FieldID: processID}, bson.M{"$set": set},
		"process with id "+processID.Hex()+" not found")
}

func (p *Partner) DeleteProcess(ctx context.Context, processID primitive.ObjectID) (bool, error) {
	deleted, err := p.store.Collection(domain.ColProducts).DeleteOne(ctx,
		bson.M{domain.FieldID: processID, domain.FieldTenant: p.id})
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

// assertPublishable checks every required stage carries at least one
// process.
func (p *Partner) assertPublishable(ctx context.Context, productID primitive.ObjectID) error {
	raw, err := p.store.Collection(domain.ColProducts).Distinct(ctx, "stage",
		bson.M{domain.FieldTenant: p.id, "product_id": productID})
	if err != nil {
		return err
	}
	present := guard.FieldSet{}
	for _, v := range raw {
		if s, ok := v.(string); ok {
			present[s] = struct{}{}
		}
	}
	return guard.ProtectAndRequire(present, guard.Rules{
		Fields:        ProductStages,
		InvalidPrefix: "invalid product stages",
		MissingPrefix: "missing required stages",
	})
}

// Publish makes a product publicly visible. It is an explicit two-step
// protocol: write the denormalized summary into emission_factors, then
// flip the published flag on the process documents. Re-publishing an
// already published product rewrites the summary. A crash between the
// steps leaves a summary without the flag, which Reconcile repairs.
func (p *Partner) Publish(ctx context.Context, productID primitive.ObjectID) (bool, error) {
	if err := p.assertPublishable(ctx, productID); err != nil {
		return false, err
	}
	docs, err := p.gw.Find(ctx, p.id, domain.ColProducts, bson.M{"product_id": productID})
	if err != nil {
		return false, err
	}
	if len(docs) == 0 {
		return false, domain.ErrNotFound("product with id %s does not exist", productID.Hex())
	}
	total := 0.0
	for _, doc := range docs {
		total += numeric(doc[domain.FieldCO2e])
	}
	now := time.Now().UTC()
	summary := bson.M{
		domain.FieldCO2e:       total,
		"activity":             docs[0]["name"],
		"name":                 docs[0]["name"],
		"source":               string(domain.KindPartner),
		"image":                docs[0]["image"],
		"rating":               docs[0]["rating"],
		domain.FieldLastUpdate: now,
		domain.FieldCreated:    now,
		domain.FieldTenant:     p.id,
		"product_id":           productID,
	}
	if _, err := p.store.Collection(domain.ColEmissionFactors).UpdateOne(ctx,
		bson.M{domain.FieldTenant: p.id, "product_id": productID},
		bson.M{"$set": summary}, true); err != nil {
		return false, err
	}
	return p.gw.GuardedUpdate(ctx, p.id, domain.ColProducts,
		bson.M{"product_id": productID},
		bson.M{"$set": bson.M{"published": true, domain.FieldLastUpdate: time.Now().UTC()}},
		"product with id "+productID.Hex()+" does not exist")
}

// Unpublish removes public access to a product: the summary document and
// any dependent product logs are deleted, then the flag flips back.
// Unpublishing an unpublished product is a no-op beyond the existence
// check.
func (p *Partner) Unpublish(ctx context.Context, productID primitive.ObjectID) (bool, error) {
	if _, err := p.store.Collection(domain.ColEmissionFactors).DeleteOne(ctx,
		bson.M{domain.FieldTenant: p.id, "product_id": productID}); err != nil {
		return false, err
	}
	if _, err := p.store.Collection(domain.ColProductLogs).DeleteMany(ctx,
		bson.M{"product_id": productID}); err != nil {
		return false, err
	}
	return p.gw.GuardedUpdate(ctx, p.id, domain.ColProducts,
		bson.M{"product_id": productID},
		bson.M{"$set": bson.M{"published": false}},
		"product with id "+productID.Hex()+" does not exist")
}

// Reconcile repairs the crash window in the publish protocol. A product
// flagged published without a summary is a torn unpublish and gets its
// flag cleared; a summary whose product is unflagged is a torn publish
// and gets the flag set. Returns the number of repairs applied.
func (p *Partner) Reconcile(ctx context.Context) (int, error) {
	products := p.store.Collection(domain.ColProducts)
	factors := p.store.Collection(domain.ColEmissionFactors)
	raw, err := products.Distinct(ctx, "product_id", bson.M{domain.FieldTenant: p.id})
	if err != nil {
		return 0, err
	}
	repairs := 0
	for _, v := range raw {
		pid, ok := v.(primitive.ObjectID)
		if !ok {
			continue
		}
		flagged, err := products.CountDocuments(ctx,
			bson.M{domain.FieldTenant: p.id, "product_id": pid, "published": true})
		if err != nil {
			return repairs, err
		}
		summary, err := factors.FindOne(ctx,
			bson.M{domain.FieldTenant: p.id, "product_id": pid}, bson.M{domain.FieldID: 1})
		if err != nil {
			return repairs, err
		}
		switch {
		case flagged > 0 && summary == nil:
			if _, err := products.UpdateMany(ctx,
				bson.M{domain.FieldTenant: p.id, "product_id": pid},
				bson.M{"$set": bson.M{"published": false}}); err != nil {
				return repairs, err
			}
			repairs++
		case flagged == 0 && summary != nil:
			if _, err := products.UpdateMany(ctx,
				bson.M{domain.FieldTenant: p.id, "product_id": pid},
				bson.M{"$set": bson.M{"published": true}}); err != nil {
				return repairs, err
			}
			repairs++
		}
	}
	return repairs, nil
}

// ReconcileTenant runs the publish repair for one tenant without a
// resolved credential. The background sweep uses it to cover every
// partner company.
func ReconcileTenant(ctx context.Context, store domain.Store, tenantID primitive.ObjectID) (int, error) {
	p := &Partner{base: base{id: tenantID, kind: domain.KindPartner, store: store}}
	return p.Reconcile(ctx)
}

var taskQueryFields = guard.NewFieldSet("complete", "assignee", "type")

// Tasks lists the partner's tasks filtered by the allow-listed query
// parameters, oldest first with incomplete tasks leading.
func (p *Partner) Tasks(ctx context.Context, params map[string]string) ([]domain.Document, error) {
	requested := guard.FieldSet{}
	for k := range params {
		requested[k] = struct{}{}
	}
	if err := guard.ProtectFields(requested, taskQueryFields); err != nil {
		return nil, err
	}
	filter := bson.M{domain.FieldTenant: p.id}
	for k, v := range params {
		if k == "complete" {
			filter[k] = v == "true"
			continue
		}
		filter[k] = v
	}
	return p.store.Collection(domain.ColTasks).Find(ctx, filter, &domain.FindOptions{
		Sort: bson.D{{Key: domain.FieldCreated, Value: 1}, {Key: "complete", Value: 1}},
	})
}

var taskFields = guard.NewFieldSet(
	"task", "category", "assignee", "scope", "type", "action", "ghg_category", "complete")

func (p *Partner) CreateTask(ctx context.Context, data bson.M) (primitive.ObjectID, error) {
	if err := guard.ProtectAndRequire(guard.KeysOf(data), guard.Rules{
		Allowed:  taskFields,
		Required: guard.NewFieldSet("task"),
	}); err != nil {
		return primitive.NilObjectID, err
	}
	doc := p.stamp(data)
	if _, ok := doc["complete"]; !ok {
		doc["complete"] = false
	}
	return p.store.Collection(domain.ColTasks).InsertOne(ctx, doc)
}

func (p *Partner) Task(ctx context.Context, taskID primitive.ObjectID) (domain.Document, error) {
	task, err := p.store.Collection(domain.ColTasks).FindOne(ctx,
		bson.M{domain.FieldID: taskID, domain.FieldTenant: p.id}, nil)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, domain.ErrNotFound("task %s does not exist", taskID.Hex())
	}
	return task, nil
}

func (p *Partner) CompleteTask(ctx context.Context, taskID primitive.ObjectID) (bool, error) {
	return p.gw.GuardedUpdate(ctx, p.id, domain.ColTasks,
		bson.M{domain.FieldID: taskID},
		bson.M{"$set": bson.M{"complete": true}},
		"task "+taskID.Hex()+" does not exist")
}

// AssignTask hands a task to one of the company's accounts, checked by
// username.
func (p *Partner) AssignTask(ctx context.Context, taskID primitive.ObjectID, assignee string) (bool, error) {
	usernames, err := p.store.Collection(domain.ColPartners).Distinct(ctx, "username",
		bson.M{"company_id": p.id})
	if err != nil {
		return false, err
	}
	known := false
	for _, v := range usernames {
		if v == assignee {
			known = true
			break
		}
	}
	if !known {
		return false, domain.ErrNotFound("no user with the username %s found", assignee)
	}
	return p.gw.GuardedUpdate(ctx, p.id, domain.ColTasks,
		bson.M{domain.FieldID: taskID},
		bson.M{"$set": bson.M{"assignee": assignee}},
		"task with id "+taskID.Hex()+" does not exist")
}

// Files returns the file-level view of the partner's uploaded logs: one
// entry per source file with its summed co2e and whether any of its rows
// still need processing. Files needing processing sort last.
func (p *Partner) Files(ctx context.Context) ([]domain.Document, error) {
	docs, err := p.store.Collection(domain.ColLogs).Find(ctx,
		bson.M{domain.FieldTenant: p.id}, nil)
	if err != nil {
		return nil, err
	}
	order := []primitive.ObjectID{}
	files := map[primitive.ObjectID]domain.Document{}
	for _, doc := range docs {
		source, ok := gateway.AsDoc(doc["source_file"])
		if !ok {
			continue
		}
		fileID, ok := source["id"].(primitive.ObjectID)
		if !ok {
			continue
		}
		entry, seen := files[fileID]
		if !seen {
			entry = domain.Document{
				domain.FieldID:     fileID,
				"name":             source["name"],
				"upload_date":      source["upload_date"],
				domain.FieldCO2e:   0.0,
				"needs_processing": false,
			}
			files[fileID] = entry
			order = append(order, fileID)
		}
		if _, processed := doc[domain.FieldCO2e]; processed {
			entry[domain.FieldCO2e] = entry[domain.FieldCO2e].(float64) + numeric(doc[domain.FieldCO2e])
		} else {
			entry["needs_processing"] = true
		}
	}
	out := make([]domain.Document, 0, len(order))
	for _, id := range order {
		out = append(out, files[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return !out[i]["needs_processing"].(bool) && out[j]["needs_processing"].(bool)
	})
	return out, nil
}

// FileLogs returns the log rows a file upload produced. With
// unprocessedOnly set, only rows still awaiting a co2e value come back.
func (p *Partner) FileLogs(ctx context.Context, fileID primitive.ObjectID, unprocessedOnly bool) ([]domain.Document, error) {
	filter := bson.M{domain.FieldTenant: p.id, "source_file.id": fileID}
	if unprocessedOnly {
		filter[domain.FieldCO2e] = bson.M{"$exists": false}
	}
	return p.store.Collection(domain.ColLogs).Find(ctx, filter, &domain.FindOptions{
		Sort: bson.D{{Key: domain.FieldCreated, Value: -1}},
	})
}

var fileLogFields = guard.NewFieldSet(
	"activity", "value", "unit", "unit_type", "scope", "category", "ghg_category", "source_file")

// ProcessFileLogs ingests the parsed rows of an uploaded file: each row
// gets a co2e stub, the tenant stamp, and a shared source_file identity.
// When the upload fulfills a task, the task completes in the same call.
func (p *Partner) ProcessFileLogs(ctx context.Context, rows []bson.M, taskID *primitive.ObjectID) (primitive.ObjectID, error) {
	if len(rows) == 0 {
		return primitive.NilObjectID, domain.ErrMissingData("missing required fields: rows")
	}
	fileID := primitive.NewObjectID()
	now := time.Now().UTC()
	docs := make([]domain.Document, 0, len(rows))
	for _, row := range rows {
		if err := guard.ProtectAndRequire(guard.KeysOf(row), guard.Rules{
			Allowed:       fileLogFields,
			Required:      guard.NewFieldSet("activity", "value", "unit", "source_file"),
			MissingPrefix: "missing data fields",
		}); err != nil {
			return primitive.NilObjectID, err
		}
		doc := bson.M{}
		for k, v := range row {
			doc[k] = v
		}
		source, ok := gateway.AsDoc(doc["source_file"])
		if !ok {
			return primitive.NilObjectID, domain.ErrInvalidRequest("source_file must be a document")
		}
		stamped := bson.M{"name": source["name"], "id": fileID, "upload_date": now}
		doc["source_file"] = stamped
		doc[domain.FieldCO2e] = stubCo2e(10)
		doc[domain.FieldTenant] = p.id
		doc[domain.FieldCreated] = now
		docs = append(docs, doc)
	}
	if _, err := p.store.Collection(domain.ColLogs).InsertMany(ctx, docs); err != nil {
		return primitive.NilObjectID, err
	}
	if taskID != nil {
		if _, err := p.CompleteTask(ctx, *taskID); err != nil {
			return primitive.NilObjectID, err
		}
	}
	return fileID, nil
}

// CurrentStats summarizes the partner's processed emissions by category
// together with pledge counts.
func (p *Partner) CurrentStats(ctx context.Context) (domain.Document, error) {
	logs, err := p.gw.Find(ctx, p.id, domain.ColLogs, bson.M{})
	if err != nil {
		return nil, err
	}
	total := 0.0
	perCategory := map[string]float64{}
	categoryOrder := []string{}
	for _, log := range logs {
		category, _ := log["category"].(string)
		if _, seen := perCategory[category]; !seen {
			categoryOrder = append(categoryOrder, category)
		}
		co2e := numeric(log[domain.FieldCO2e])
		perCategory[category] += co2e
		total += co2e
	}
	emissions := domain.Document{}
	if len(logs) > 0 {
		breakdown := make([]domain.Document, 0, len(categoryOrder))
		for _, category := range categoryOrder {
			co2e := perCategory[category]
			percentage := 0.0
			if total > 0 {
				percentage = co2e / total * 100
			}
			breakdown = append(breakdown, domain.Document{
				"label":          category,
				domain.FieldCO2e: co2e,
				"percentage":     percentage,
			})
		}
		emissions = domain.Document{
			"total_co2e":        total,
			"co2e_per_category": breakdown,
		}
	}

	pledges := p.store.Collection(domain.ColPledges)
	count, err := pledges.CountDocuments(ctx, bson.M{domain.FieldTenant: p.id})
	if err != nil {
		return nil, err
	}
	active, err := pledges.CountDocuments(ctx, bson.M{domain.FieldTenant: p.id, "status": "active"})
	if err != nil {
		return nil, err
	}
	pledgeDocs, err := pledges.Find(ctx, bson.M{domain.FieldTenant: p.id}, nil)
	if err != nil {
		return nil, err
	}
	pledgedCo2e := 0.0
	for _, doc := range pledgeDocs {
		pledgedCo2e += numeric(doc[domain.FieldCO2e])
	}
	return domain.Document{
		"emissions": emissions,
		"pledges": domain.Document{
			"count":      count,
			"active":     active,
			"total_co2e": pledgedCo2e,
		},
	}, nil
}

// Overview extends CurrentStats with the partner's published products
// and the names of files still awaiting processing.
func (p *Partner) Overview(ctx context.Context) (domain.Document, error) {
	stats, err := p.CurrentStats(ctx)
	if err != nil {
		return nil, err
	}
	products, err := p.store.Collection(domain.ColEmissionFactors).Find(ctx,
		bson.M{domain.FieldTenant: p.id, "source": string(domain.KindPartner)}, nil)
	if err != nil {
		return nil, err
	}
	unprocessed, err := p.store.Collection(domain.ColLogs).Distinct(ctx, "source_file.name",
		bson.M{domain.FieldTenant: p.id, domain.FieldCO2e: bson.M{"$exists": false}})
	if err != nil {
		return nil, err
	}
	stats["products"] = products
	stats["unprocessed_files"] = unprocessed
	return stats, nil
}

// CompanyTeams lists the distinct team names under the company.
func (p *Partner) CompanyTeams(ctx context.Context) ([]interface{}, error) {
	return p.store.Collection(domain.ColPartners).Distinct(ctx, "team",
		bson.M{"company_id": p.id})
}

// CompanyUsers lists the distinct usernames under the company.
func (p *Partner) CompanyUsers(ctx context.Context) ([]interface{}, error) {
	return p.store.Collection(domain.ColPartners).Distinct(ctx, "username",
		bson.M{"company_id": p.id})
}

// CompanyTree returns every account created under the company, with
// credentials stripped.
func (p *Partner) CompanyTree(ctx context.Context) ([]domain.Document, error) {
	accounts, err := p.store.Collection(domain.ColPartners).Find(ctx,
		bson.M{"company_id": p.id}, nil)
	if err != nil {
		return nil, err
	}
	for _, account := range accounts {
		delete(account, "password")
	}
	return accounts, nil
}

var inviteFields = guard.NewFieldSet("role", "username", "email", "password", "team")

// InviteUser creates a sub-account under the company, inheriting the
// company-level fields from the root account.
func (p *Partner) InviteUser(ctx context.Context, account bson.M) (primitive.ObjectID, error) {
	if err := guard.ProtectAndRequire(guard.KeysOf(account), guard.Rules{
		Allowed:  inviteFields,
		Required: guard.NewFieldSet("role", "username", "email", "password"),
	}); err != nil {
		return primitive.NilObjectID, err
	}
	partners := p.store.Collection(domain.ColPartners)
	company, err := partners.FindOne(ctx,
		bson.M{"company_id": p.id, "role": "company"},
		bson.M{"company_id": 1, "company_email": 1, "region": 1, "company": 1, domain.FieldID: 0})
	if err != nil {
		return primitive.NilObjectID, err
	}
	if company == nil {
		return primitive.NilObjectID, domain.ErrNotFound("company account not found")
	}
	password, _ := account["password"].(string)
	hashed, err := hashPassword(password)
	if err != nil {
		return primitive.NilObjectID, err
	}
	doc := bson.M{}
	for k, v := range company {
		doc[k] = v
	}
	doc["role"] = account["role"]
	doc["username"] = account["username"]
	doc["email"] = account["email"]
	doc["password"] = hashed
	doc["team"] = account["team"]
	doc["joined"] = time.Now().UTC()
	return partners.InsertOne(ctx, doc)
}

// AddSupplier records a supplier name against the tenant, creating the
// supplier list on first use.
func (p *Partner) AddSupplier(ctx context.Context, supplier string) (bool, error) {
	if supplier == "" {
		return false, domain.ErrMissingData("missing required fields: supplier")
	}
	modified, err := p.store.Collection(domain.ColSuppliers).UpdateOne(ctx,
		bson.M{domain.FieldTenant: p.id},
		bson.M{"$addToSet": bson.M{"suppliers": supplier}}, true)
	if err != nil {
		return false, err
	}
	return modified > 0, nil
}

// Suppliers returns the tenant's supplier names.
func (p *Partner) Suppliers(ctx context.Context) ([]interface{}, error) {
	doc, err := p.store.Collection(domain.ColSuppliers).FindOne(ctx,
		bson.M{domain.FieldTenant: p.id}, nil)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return []interface{}{}, nil
	}
	suppliers, _ := doc["suppliers"].([]interface{})
	if suppliers == nil {
		return []interface{}{}, nil
	}
	return suppliers, nil
}

var factorFields = guard.NewFieldSet(
	"activity", "co2e", "unit_types", "keywords", "name", "region", "description")

// CreateFactor inserts a custom emission factor owned by the tenant.
func (p *Partner) CreateFactor(ctx context.Context, factor bson.M) (primitive.ObjectID, error) {
	if err := guard.ProtectAndRequire(guard.KeysOf(factor), guard.Rules{
		Allowed:  factorFields,
		Required: guard.NewFieldSet("activity", "co2e", "unit_types", "keywords"),
	}); err != nil {
		return primitive.NilObjectID, err
	}
	doc := p.stamp(factor)
	doc["source"] = string(p.kind)
	doc["saved_by"] = []interface{}{p.id}
	doc[domain.FieldLastUpdate] = doc[domain.FieldCreated]
	return p.store.Collection(domain.ColEmissionFactors).InsertOne(ctx, doc)
}

// DeleteFactor removes a factor the tenant created.
func (p *Partner) DeleteFactor(ctx context.Context, factorID primitive.ObjectID) (bool, error) {
	deleted, err := p.store.Collection(domain.ColEmissionFactors).DeleteOne(ctx,
		bson.M{domain.FieldID: factorID, domain.FieldTenant: p.id})
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

// numeric widens the number representations a decoded document may hold.
func numeric(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// later compares two values that should be timestamps; non-timestamps
// sort last.
func later(a, b interface{}) bool {
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if !aok || !bok {
		return aok
	}
	return at.After(bt)
}
