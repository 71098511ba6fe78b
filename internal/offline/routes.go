package offline

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"goldrock/internal/config"
	"goldrock/internal/models"

	"github.com/tidwall/gjson"
)

var (
	ErrUnknownKind   = errors.New("unknown action kind")
	ErrMissingBillID = errors.New("update_bill payload has no id")
)

// Router maps an action kind to the backend method and path it is delivered to.
type Router struct {
	billsPath    string
	billByIDPath string
	messagesPath string
}

func NewRouter(cfg config.BackendConfig) *Router {
	r := &Router{
		billsPath:    cfg.BillsPath,
		billByIDPath: cfg.BillByIDPath,
		messagesPath: cfg.ChatMessagesPath,
	}
	if r.billsPath == "" {
		r.billsPath = "/api/bills"
	}
	if r.billByIDPath == "" {
		r.billByIDPath = "/api/bills/{id}"
	}
	if r.messagesPath == "" {
		r.messagesPath = "/api/chat/messages"
	}
	return r
}

// Resolve returns the HTTP method and path for an action.
func (r *Router) Resolve(action models.QueuedAction) (method, path string, err error) {
	switch action.Kind {
	case models.KindUploadBill:
		return http.MethodPost, r.billsPath, nil
	case models.KindSendMessage:
		return http.MethodPost, r.messagesPath, nil
	case models.KindUpdateBill:
		id := gjson.GetBytes(action.Payload, "id")
		if !id.Exists() || strings.TrimSpace(id.String()) == "" {
			return "", "", ErrMissingBillID
		}
		return http.MethodPatch, strings.ReplaceAll(r.billByIDPath, "{id}", url.PathEscape(id.String())), nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownKind, action.Kind)
	}
}
