package account

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
)

// ghgCategories maps the choosable GHG protocol category codes to their
// display names. Scope 3 codes follow the protocol's X.Y numbering.
var ghgCategories = map[string]string{
	"1":    "Scope 1",
	"2":    "Scope 2",
	"3.1":  "purchased goods and services",
	"3.2":  "capital goods",
	"3.3":  "fuel and energy related activities",
	"3.4":  "upstream transportation and distribution",
	"3.5":  "waste generated in operations",
	"3.6":  "business travel",
	"3.7":  "employee commuting",
	"3.8":  "upstream leased assets",
	"3.9":  "downstream transportation and distribution",
	"3.10": "processing of sold products",
	"3.11": "use of sold products",
	"3.12": "end-of-life treatment of sold products",
	"3.13": "downstream leased assets",
	"3.14": "franchises",
}

// uploadTasks builds one data-collection task per measurement category a
// partner signed up for. Unknown category codes are skipped rather than
// failing the signup.
func uploadTasks(tenantID primitive.ObjectID, categories []string, now time.Time) []domain.Document {
	tasks := make([]domain.Document, 0, len(categories))
	for _, code := range categories {
		name, ok := ghgCategories[code]
		if !ok {
			continue
		}
		tasks = append(tasks, domain.Document{
			"task":               "Upload " + name + " data",
			"complete":           false,
			"category":           name,
			"assignee":           nil,
			"scope":              scopeOf(code),
			"type":               "collection",
			"action":             "Upload",
			"ghg_category":       code,
			domain.FieldTenant:   tenantID,
			domain.FieldCreated:  now,
		})
	}
	return tasks
}

func scopeOf(code string) string {
	switch code {
	case "1", "2":
		return code
	}
	return "3"
}
