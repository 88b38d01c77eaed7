package store

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/resilience"
	"github.com/sells-group/archive-flow/pkg/notion"
)

// notionPatchConcurrency matches Notion's documented average of three
// requests per second.
const notionPatchConcurrency = 3

// PropertyKind is the Notion property type backing a logical field.
type PropertyKind string

const (
	KindTitle    PropertyKind = "title"
	KindRichText PropertyKind = "rich_text"
	KindStatus   PropertyKind = "status"
	KindURL      PropertyKind = "url"
	KindNumber   PropertyKind = "number"
)

// Property names one Notion column and its type.
type Property struct {
	Name string       `yaml:"name" mapstructure:"name"`
	Kind PropertyKind `yaml:"kind" mapstructure:"kind"`
}

// PropertyMap maps logical field keys to Notion properties.
type PropertyMap map[string]Property

// DefaultPropertyMap returns the column layout of the stock archive database.
func DefaultPropertyMap() PropertyMap {
	return PropertyMap{
		model.FieldItemID:          {Name: "Item ID", Kind: KindRichText},
		model.FieldStatus:          {Name: "Status", Kind: KindStatus},
		model.FieldParentID:        {Name: "Parent ID", Kind: KindRichText},
		model.FieldTitle:           {Name: "Title", Kind: KindTitle},
		model.FieldDescription:     {Name: "Description", Kind: KindRichText},
		model.FieldNotes:           {Name: "Notes", Kind: KindRichText},
		model.FieldCaption:         {Name: "Caption", Kind: KindRichText},
		model.FieldEnrichmentURL:   {Name: "Source URL", Kind: KindURL},
		model.FieldDurationSeconds: {Name: "Duration (s)", Kind: KindNumber},
		model.FieldActiveTask:      {Name: "Active Task", Kind: KindRichText},
		model.FieldLastError:       {Name: "Processing Log", Kind: KindRichText},
	}
}

// TokenSource returns the current integration token.
type TokenSource func(ctx context.Context) (string, error)

// NotionStore implements Store on a Notion database; handles are page ids.
type NotionStore struct {
	dbID  string
	props PropertyMap

	mu        sync.RWMutex
	client    notion.Client
	tokens    TokenSource
	newClient func(token string) notion.Client
}

// NotionOption configures a NotionStore.
type NotionOption func(*NotionStore)

// WithTokenSource enables Refresh: the client is rebuilt with a fresh
// token from src using build.
func WithTokenSource(src TokenSource, build func(token string) notion.Client) NotionOption {
	return func(s *NotionStore) {
		s.tokens = src
		s.newClient = build
	}
}

// NewNotion creates a NotionStore. Missing properties fall back to the
// default layout.
func NewNotion(client notion.Client, dbID string, props PropertyMap, opts ...NotionOption) *NotionStore {
	merged := DefaultPropertyMap()
	for k, p := range props {
		if p.Name != "" {
			if p.Kind == "" {
				p.Kind = merged[k].Kind
			}
			merged[k] = p
		}
	}
	s := &NotionStore{dbID: dbID, props: merged, client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *NotionStore) api() notion.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Refresh implements Refresher.
func (s *NotionStore) Refresh(ctx context.Context) error {
	if s.tokens == nil || s.newClient == nil {
		return eris.New("notion: no token source configured")
	}
	token, err := s.tokens(ctx)
	if err != nil {
		return eris.Wrap(err, "notion: refresh token")
	}
	s.mu.Lock()
	s.client = s.newClient(token)
	s.mu.Unlock()
	zap.L().Info("notion: client rebuilt with refreshed token")
	return nil
}

func (s *NotionStore) FindByStatus(ctx context.Context, status model.Status) ([]model.WorkItem, error) {
	prop := s.props[model.FieldStatus]
	return s.queryItems(ctx, notion.StatusEquals(prop.Name, string(status)))
}

func (s *NotionStore) FindByParent(ctx context.Context, parentID string) ([]model.WorkItem, error) {
	if parentID == "" {
		return []model.WorkItem{}, nil
	}
	prop := s.props[model.FieldParentID]
	return s.queryItems(ctx, notion.RichTextEquals(prop.Name, parentID))
}

func (s *NotionStore) FindByID(ctx context.Context, itemID string) (*model.WorkItem, error) {
	// Notion applies rich_text conditions to title properties too.
	prop := s.props[model.FieldItemID]
	items, err := s.queryItems(ctx, notion.RichTextEquals(prop.Name, itemID))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	if len(items) > 1 {
		zap.L().Warn("notion: duplicate item id, using first", zap.String("item", itemID), zap.Int("matches", len(items)))
	}
	return &items[0], nil
}

func (s *NotionStore) Get(ctx context.Context, handle string) (*model.WorkItem, error) {
	page, err := s.api().GetPage(ctx, handle)
	if err != nil {
		return nil, translate(err)
	}
	it := s.toItem(*page)
	return &it, nil
}

func (s *NotionStore) PatchFields(ctx context.Context, handle string, fields model.Fields) error {
	props := s.toProperties(fields)
	if len(props) == 0 {
		return nil
	}
	_, err := s.api().UpdatePage(ctx, handle, &notionapi.PageUpdateRequest{Properties: props})
	return translate(err)
}

func (s *NotionStore) PatchMany(ctx context.Context, patches []model.Patch) (int, error) {
	return patchParallel(ctx, s, patches, notionPatchConcurrency)
}

func (s *NotionStore) Close() error { return nil }

func (s *NotionStore) queryItems(ctx context.Context, req *notionapi.DatabaseQueryRequest) ([]model.WorkItem, error) {
	pages, err := notion.QueryAll(ctx, s.api(), s.dbID, req)
	if err != nil {
		if err = translate(err); errors.Is(err, ErrNotFound) {
			return []model.WorkItem{}, nil
		}
		return nil, err
	}
	items := make([]model.WorkItem, 0, len(pages))
	for _, p := range pages {
		items = append(items, s.toItem(p))
	}
	return sortByID(items), nil
}

func (s *NotionStore) toItem(page notionapi.Page) model.WorkItem {
	it := model.WorkItem{Handle: string(page.ID)}
	fields := model.Fields{}
	for key, prop := range s.props {
		p, ok := page.Properties[prop.Name]
		if !ok {
			continue
		}
		if prop.Kind == KindNumber {
			fields[key] = notion.PropertyNumber(p)
			continue
		}
		fields[key] = strings.TrimSpace(notion.PropertyText(p))
	}
	it.Apply(fields)
	return it
}

func (s *NotionStore) toProperties(fields model.Fields) notionapi.Properties {
	doc := document(fields)
	props := notionapi.Properties{}
	for key := range fields {
		prop, ok := s.props[key]
		if !ok {
			continue
		}
		docKey := key
		if key == model.FieldItemID {
			docKey = "id"
		}
		v := doc[docKey]
		switch prop.Kind {
		case KindStatus:
			props[prop.Name] = notionapi.StatusProperty{Status: notionapi.Status{Name: toText(v)}}
		case KindTitle:
			props[prop.Name] = notionapi.TitleProperty{Title: notion.RichText(toText(v))}
		case KindURL:
			props[prop.Name] = notionapi.URLProperty{URL: toText(v)}
		case KindNumber:
			n, _ := v.(float64)
			props[prop.Name] = notionapi.NumberProperty{Number: n}
		default:
			props[prop.Name] = notionapi.RichTextProperty{RichText: notion.RichText(toText(v))}
		}
	}
	return props
}

func toText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// translate maps Notion API failures onto store and resilience errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch code := notion.StatusCode(err); {
	case code == http.StatusUnauthorized:
		return eris.Wrap(resilience.ErrAuthExpired, err.Error())
	case code == http.StatusNotFound:
		return ErrNotFound
	case resilience.IsTransientHTTPStatus(code):
		return resilience.NewTransientError(err, code)
	}
	return err
}

var _ Store = (*NotionStore)(nil)
var _ Refresher = (*NotionStore)(nil)
