package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
	"carbontrace/internal/principal"
)

type createProductRequest struct {
	Name      string                   `json:"name"`
	Processes []map[string]interface{} `json:"processes"`
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var req createProductRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	processes := make([]bson.M, 0, len(req.Processes))
	for _, proc := range req.Processes {
		processes = append(processes, toBSON(proc))
	}
	productID, err := p.CreateProduct(r.Context(), req.Name, processes)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusCreated, map[string]string{"product_id": productID.Hex()})
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	publishedOnly := r.URL.Query().Get("published") == "true"
	products, err := p.Products(r.Context(), publishedOnly)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, products)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	productID, err := idParam(r, "productID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	product, err := p.Product(r.Context(), productID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, product)
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	h.productOp(w, r, func(p *principal.Partner, productID primitive.ObjectID) (bool, error) {
		var updates map[string]interface{}
		if err := decodeJSON(r, &updates); err != nil {
			return false, err
		}
		return p.UpdateProduct(r.Context(), productID, toBSON(updates))
	})
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	h.productOp(w, r, func(p *principal.Partner, productID primitive.ObjectID) (bool, error) {
		return p.DeleteProduct(r.Context(), productID)
	})
}

func (h *Handler) publishProduct(w http.ResponseWriter, r *http.Request) {
	h.productOp(w, r, func(p *principal.Partner, productID primitive.ObjectID) (bool, error) {
		return p.Publish(r.Context(), productID)
	})
}

func (h *Handler) unpublishProduct(w http.ResponseWriter, r *http.Request) {
	h.productOp(w, r, func(p *principal.Partner, productID primitive.ObjectID) (bool, error) {
		return p.Unpublish(r.Context(), productID)
	})
}

// productOp factors the partner-plus-product-id preamble shared by the
// product mutation handlers.
func (h *Handler) productOp(w http.ResponseWriter, r *http.Request, op func(*principal.Partner, primitive.ObjectID) (bool, error)) {
	partner, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	productID, err := idParam(r, "productID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	ok, err := op(partner, productID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, ok)
}

func (h *Handler) createProcess(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	productID, err := idParam(r, "productID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var data map[string]interface{}
	if err := decodeJSON(r, &data); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	processID, err := p.CreateProcess(r.Context(), productID, chi.URLParam(r, "stage"), toBSON(data))
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusCreated, map[string]string{"process_id": processID.Hex()})
}

func (h *Handler) updateProcess(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	processID, err := idParam(r, "processID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var updates map[string]interface{}
	if err := decodeJSON(r, &updates); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	ok, err := p.UpdateProcess(r.Context(), processID, toBSON(updates))
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, ok)
}

func (h *Handler) deleteProcess(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	processID, err := idParam(r, "processID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	ok, err := p.DeleteProcess(r.Context(), processID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, ok)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	params := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	tasks, err := p.Tasks(r.Context(), params)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, tasks)
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var data map[string]interface{}
	if err := decodeJSON(r, &data); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	taskID, err := p.CreateTask(r.Context(), toBSON(data))
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusCreated, map[string]string{"task_id": taskID.Hex()})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	taskID, err := idParam(r, "taskID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	task, err := p.Task(r.Context(), taskID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, task)
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	taskID, err := idParam(r, "taskID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	ok, err := p.CompleteTask(r.Context(), taskID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, ok)
}

func (h *Handler) assignTask(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	taskID, err := idParam(r, "taskID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var req struct {
		Assignee string `json:"assignee"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	ok, err := p.AssignTask(r.Context(), taskID, req.Assignee)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, ok)
}

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	files, err := p.Files(r.Context())
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, files)
}

func (h *Handler) getFileLogs(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	fileID, err := idParam(r, "fileID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	unprocessedOnly := r.URL.Query().Get("unprocessed") == "true"
	logs, err := p.FileLogs(r.Context(), fileID, unprocessedOnly)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, logs)
}

type processFileLogsRequest struct {
	Rows   []map[string]interface{} `json:"rows"`
	TaskID string                   `json:"task_id"`
}

func (h *Handler) processFileLogs(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var req processFileLogsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	rows := make([]bson.M, 0, len(req.Rows))
	for _, row := range req.Rows {
		rows = append(rows, toBSON(row))
	}
	var taskID *primitive.ObjectID
	if req.TaskID != "" {
		id, err := primitive.ObjectIDFromHex(req.TaskID)
		if err != nil {
			h.respondError(r.Context(), w, domain.ErrInvalidRequest("invalid task_id %q", req.TaskID))
			return
		}
		taskID = &id
	}
	fileID, err := p.ProcessFileLogs(r.Context(), rows, taskID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusCreated, map[string]string{"file_id": fileID.Hex()})
}

func (h *Handler) currentStats(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	stats, err := p.CurrentStats(r.Context())
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, stats)
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	overview, err := p.Overview(r.Context())
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, overview)
}

func (h *Handler) companyTeams(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	teams, err := p.CompanyTeams(r.Context())
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, teams)
}

func (h *Handler) companyUsers(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	users, err := p.CompanyUsers(r.Context())
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, users)
}

func (h *Handler) companyTree(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	tree, err := p.CompanyTree(r.Context())
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, tree)
}

func (h *Handler) inviteUser(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var accountData map[string]interface{}
	if err := decodeJSON(r, &accountData); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	id, err := p.InviteUser(r.Context(), toBSON(accountData))
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusCreated, map[string]string{"user_id": id.Hex()})
}

func (h *Handler) listSuppliers(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	suppliers, err := p.Suppliers(r.Context())
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, suppliers)
}

func (h *Handler) addSupplier(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var req struct {
		Supplier string `json:"supplier"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	ok, err := p.AddSupplier(r.Context(), req.Supplier)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusCreated, ok)
}
