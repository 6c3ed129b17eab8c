package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

const documentCollection = "document"

// Document is the payload a document tool call reads and writes. Sections
// and links live inline rather than as separate sub-resources: the gateway's
// generic Record has no notion of a child collection scoped to one parent,
// so a document's sections and links are fields of the one record instead
// of rows joined in. A document carries no version number.
type Document struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Title       string            `json:"title"`
	Sections    []DocumentSection `json:"sections,omitempty"`
	Links       []string          `json:"links,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// DocumentSection is one titled block of a document.
type DocumentSection struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// RegisterDocumentTools wires a representative Documents tool group (create,
// get, update, link, delete, search, related, clone, stats; there is no tree
// or merge tool) over storage.Gateway's generic
// collection CRUD, grounded the same way every memory tier in this module
// persists its entities: one JSON record per document, keyed by id.
func RegisterDocumentTools(r *Registry, gateway *storage.Gateway) {
	r.Register(Tool{
		Name: "document_create", Group: "document", Description: "Create a document.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"title":        {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			doc := Document{ID: ids.New(), WorkspaceID: strArg(args, "workspace_id"), Title: strArg(args, "title"), CreatedAt: time.Now().UTC()}
			if err := putDocument(ctx, gateway, doc); err != nil {
				return nil, err
			}
			return doc, nil
		},
	})

	r.Register(Tool{
		Name: "document_get", Group: "document", Description: "Fetch a document by id.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"document_id":  {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return getDocument(ctx, gateway, strArg(args, "workspace_id"), strArg(args, "document_id"))
		},
	})

	r.Register(Tool{
		Name: "document_update", Group: "document", Description: "Replace a document's title and sections.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"document_id":  {Type: "string", Required: true},
			"title":        {Type: "string"},
			"sections":     {Type: "array", Description: "Array of {heading, body}"},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			doc, err := getDocument(ctx, gateway, strArg(args, "workspace_id"), strArg(args, "document_id"))
			if err != nil {
				return nil, err
			}
			if title := strArg(args, "title"); title != "" {
				doc.Title = title
			}
			if raw, ok := args["sections"].([]interface{}); ok {
				doc.Sections = nil
				for _, item := range raw {
					m, _ := item.(map[string]interface{})
					doc.Sections = append(doc.Sections, DocumentSection{Heading: strArg(m, "heading"), Body: strArg(m, "body")})
				}
			}
			if err := putDocument(ctx, gateway, doc); err != nil {
				return nil, err
			}
			return doc, nil
		},
	})

	r.Register(Tool{
		Name: "document_link", Group: "document", Description: "Add a link from a document to another document id.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"document_id":  {Type: "string", Required: true},
			"target_id":    {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			doc, err := getDocument(ctx, gateway, strArg(args, "workspace_id"), strArg(args, "document_id"))
			if err != nil {
				return nil, err
			}
			doc.Links = append(doc.Links, strArg(args, "target_id"))
			if err := putDocument(ctx, gateway, doc); err != nil {
				return nil, err
			}
			return doc, nil
		},
	})

	r.Register(Tool{
		Name: "document_delete", Group: "document", Description: "Delete a document.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"document_id":  {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			if err := gateway.Delete(ctx, documentCollection, strArg(args, "workspace_id"), strArg(args, "document_id")); err != nil {
				return nil, fmt.Errorf("document_delete: %w", err)
			}
			return map[string]interface{}{"deleted": strArg(args, "document_id")}, nil
		},
	})

	r.Register(Tool{
		Name: "document_search", Group: "document", Description: "Search a workspace's documents by title substring.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"query":        {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			docs, err := findDocuments(ctx, gateway, strArg(args, "workspace_id"))
			if err != nil {
				return nil, err
			}
			query := strArg(args, "query")
			var out []Document
			for _, d := range docs {
				if query == "" || titleMatches(d.Title, query) {
					out = append(out, d)
				}
			}
			return out, nil
		},
	})

	r.Register(Tool{
		Name: "document_related", Group: "document", Description: "List documents linked from a given document.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"document_id":  {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			doc, err := getDocument(ctx, gateway, strArg(args, "workspace_id"), strArg(args, "document_id"))
			if err != nil {
				return nil, err
			}
			var related []Document
			for _, linkID := range doc.Links {
				if d, err := getDocument(ctx, gateway, strArg(args, "workspace_id"), linkID); err == nil {
					related = append(related, d)
				}
			}
			return related, nil
		},
	})

	r.Register(Tool{
		Name: "document_clone", Group: "document", Description: "Clone a document into a new document id within the same workspace.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"document_id":  {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			doc, err := getDocument(ctx, gateway, strArg(args, "workspace_id"), strArg(args, "document_id"))
			if err != nil {
				return nil, err
			}
			doc.ID = ids.New()
			doc.CreatedAt = time.Now().UTC()
			if err := putDocument(ctx, gateway, doc); err != nil {
				return nil, err
			}
			return doc, nil
		},
	})

	r.Register(Tool{
		Name: "document_stats", Group: "document", Description: "Count documents and sections in a workspace.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			docs, err := findDocuments(ctx, gateway, strArg(args, "workspace_id"))
			if err != nil {
				return nil, err
			}
			sections := 0
			for _, d := range docs {
				sections += len(d.Sections)
			}
			return map[string]interface{}{"documents": len(docs), "sections": sections}, nil
		},
	})
}

func putDocument(ctx context.Context, gateway *storage.Gateway, doc Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = gateway.Upsert(ctx, storage.Record{Collection: documentCollection, ID: doc.ID, WorkspaceID: doc.WorkspaceID, Payload: payload})
	if err != nil {
		return fmt.Errorf("persist document: %w", err)
	}
	return nil
}

func getDocument(ctx context.Context, gateway *storage.Gateway, workspaceID, id string) (Document, error) {
	rec, err := gateway.Get(ctx, documentCollection, workspaceID, id)
	if err != nil {
		return Document{}, fmt.Errorf("document_get: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(rec.Payload, &doc); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func findDocuments(ctx context.Context, gateway *storage.Gateway, workspaceID string) ([]Document, error) {
	recs, err := gateway.Find(ctx, storage.Query{Collection: documentCollection, WorkspaceID: workspaceID})
	if err != nil {
		return nil, fmt.Errorf("find documents: %w", err)
	}
	out := make([]Document, 0, len(recs))
	for _, rec := range recs {
		var doc Document
		if err := json.Unmarshal(rec.Payload, &doc); err == nil {
			out = append(out, doc)
		}
	}
	return out, nil
}

func titleMatches(title, query string) bool {
	return strings.Contains(strings.ToLower(title), strings.ToLower(query))
}
