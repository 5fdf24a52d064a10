package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/workflow"

	"github.com/micromdm/nanolib/storage/kv"
)

const (
	keySep = "."

	// index bucket key prefixes
	keyPfxFormKey     = "formkey"   // form key to form ID
	keyPfxField       = "field"     // field ID to form ID
	keyPfxFieldValues = "fieldvals" // field has stored response values
	keyPfxAccess      = "access"    // form ID and user ID access grant
	keyPfxOpen        = "open"      // user ID and form ID to open session token
	keyPfxItemSession = "itemsess"  // item ID and user ID to session token
	keyPfxRunItems    = "runitems"  // run ID to item IDs
	keyPfxResponseID  = "respid"    // response ID to session token
)

func key(parts ...string) string {
	k := parts[0]
	for _, p := range parts[1:] {
		k += keySep + p
	}
	return k
}

// marker is the value of index keys that only record presence.
var marker = []byte{1}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func notFoundf(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", storage.ErrNotFound, fmt.Sprintf(format, a...))
}

func errMissingID(what string) error {
	return fmt.Errorf("%s: %w", what, storage.ErrMissingID)
}

// getJSON unmarshals the value at k in b into v.
// storage.ErrNotFound is returned if k does not exist.
func getJSON(ctx context.Context, b kv.CRUDBucket, k string, v interface{}) error {
	raw, err := b.Get(ctx, k)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, k)
	} else if err != nil {
		return fmt.Errorf("getting %s: %w", k, err)
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", k, err)
	}
	return nil
}

func setJSON(ctx context.Context, b kv.CRUDBucket, k string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", k, err)
	}
	return b.Set(ctx, k, raw)
}

// getString returns the value at k in b as a string.
func getString(ctx context.Context, b kv.CRUDBucket, k string) (string, error) {
	v, err := b.Get(ctx, k)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, k)
	} else if err != nil {
		return "", fmt.Errorf("getting %s: %w", k, err)
	}
	return string(v), nil
}

func deleteIfExists(ctx context.Context, b kv.CRUDBucket, k string) error {
	found, err := b.Has(ctx, k)
	if err != nil || !found {
		return err
	}
	return b.Delete(ctx, k)
}

func sortFields(f *form.Form) {
	sort.SliceStable(f.Fields, func(i, j int) bool {
		return f.Fields[i].SortOrder < f.Fields[j].SortOrder
	})
	for _, field := range f.Fields {
		sort.SliceStable(field.Options, func(i, j int) bool {
			return field.Options[i].SortOrder < field.Options[j].SortOrder
		})
	}
}

func kvStoreForm(ctx context.Context, b *buckets, f *form.Form) error {
	if f.ID == "" {
		return storage.ErrMissingID
	}
	if id, err := getString(ctx, b.index, key(keyPfxFormKey, f.Key)); err == nil && id != f.ID {
		return fmt.Errorf("%w: %s", storage.ErrKeyExists, f.Key)
	}

	stored := *f
	stored.Fields = nil
	seen := make(map[string]struct{})
	for _, field := range f.Fields {
		if field.ID == "" {
			return fmt.Errorf("field %s: %w", field.Key, storage.ErrMissingID)
		}
		c := *field
		c.FormID = f.ID
		c.Options = make([]form.Option, len(field.Options))
		for i, o := range field.Options {
			o.FieldID = field.ID
			c.Options[i] = o
		}
		stored.Fields = append(stored.Fields, &c)
		seen[field.ID] = struct{}{}
		if err := b.index.Set(ctx, key(keyPfxField, field.ID), []byte(f.ID)); err != nil {
			return err
		}
	}

	existing, err := kvGetForm(ctx, b, f.ID)
	if err == nil {
		for _, field := range existing.Fields {
			if _, ok := seen[field.ID]; !ok {
				stored.Fields = append(stored.Fields, field)
			}
		}
		if existing.Key != f.Key {
			if err = b.index.Delete(ctx, key(keyPfxFormKey, existing.Key)); err != nil {
				return err
			}
		}
	}
	sortFields(&stored)

	if err = setJSON(ctx, b.form, f.ID, &stored); err != nil {
		return err
	}
	return b.index.Set(ctx, key(keyPfxFormKey, f.Key), []byte(f.ID))
}

func kvGetForm(ctx context.Context, b *buckets, id string) (*form.Form, error) {
	f := new(form.Form)
	return f, getJSON(ctx, b.form, id, f)
}

func kvGetFormByKey(ctx context.Context, b *buckets, formKey string) (*form.Form, error) {
	id, err := getString(ctx, b.index, key(keyPfxFormKey, formKey))
	if err != nil {
		return nil, err
	}
	return kvGetForm(ctx, b, id)
}

// kvGetFieldForm retrieves the form that field belongs to.
func kvGetFieldForm(ctx context.Context, b *buckets, fieldID string) (*form.Form, *form.Field, error) {
	formID, err := getString(ctx, b.index, key(keyPfxField, fieldID))
	if err != nil {
		return nil, nil, err
	}
	f, err := kvGetForm(ctx, b, formID)
	if err != nil {
		return nil, nil, err
	}
	field := f.Field(fieldID)
	if field == nil {
		return nil, nil, fmt.Errorf("%w: field %s", storage.ErrNotFound, fieldID)
	}
	return f, field, nil
}

func kvDeleteField(ctx context.Context, b *buckets, fieldID string) (bool, error) {
	f, field, err := kvGetFieldForm(ctx, b, fieldID)
	if err != nil {
		return false, err
	}
	referenced, err := b.index.Has(ctx, key(keyPfxFieldValues, fieldID))
	if err != nil {
		return false, err
	}
	if referenced {
		field.Active = false
	} else {
		fields := f.Fields[:0]
		for _, fi := range f.Fields {
			if fi.ID != fieldID {
				fields = append(fields, fi)
			}
		}
		f.Fields = fields
		if err = b.index.Delete(ctx, key(keyPfxField, fieldID)); err != nil {
			return false, err
		}
	}
	return referenced, setJSON(ctx, b.form, f.ID, f)
}

func kvReplaceFieldOptions(ctx context.Context, b *buckets, fieldID string, opts []form.Option) error {
	f, field, err := kvGetFieldForm(ctx, b, fieldID)
	if err != nil {
		return err
	}
	field.Options = make([]form.Option, len(opts))
	for i, o := range opts {
		o.FieldID = fieldID
		field.Options[i] = o
	}
	sortFields(f)
	return setJSON(ctx, b.form, f.ID, f)
}

func kvStoreWorkflow(ctx context.Context, b *buckets, w *workflow.Workflow) error {
	if w.ID == "" {
		return storage.ErrMissingID
	}
	stored := *w
	stored.Rules = nil
	seen := make(map[string]struct{})
	for _, r := range w.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule: %w", storage.ErrMissingID)
		}
		c := *r
		c.WorkflowID = w.ID
		stored.Rules = append(stored.Rules, &c)
		seen[r.ID] = struct{}{}
	}
	if existing, err := kvGetWorkflow(ctx, b, w.ID); err == nil {
		for _, r := range existing.Rules {
			if _, ok := seen[r.ID]; !ok {
				stored.Rules = append(stored.Rules, r)
			}
		}
	}
	stored.Rules = stored.SortedRules()
	return setJSON(ctx, b.workflow, w.ID, &stored)
}

func kvGetWorkflow(ctx context.Context, b *buckets, id string) (*workflow.Workflow, error) {
	w := new(workflow.Workflow)
	return w, getJSON(ctx, b.workflow, id, w)
}

func kvGetSession(ctx context.Context, b *buckets, token string) (*form.Session, error) {
	s := new(form.Session)
	return s, getJSON(ctx, b.session, token, s)
}

// kvGetIndexedSession retrieves the session whose token is stored at index key k.
func kvGetIndexedSession(ctx context.Context, b *buckets, k string) (*form.Session, error) {
	token, err := getString(ctx, b.index, k)
	if err != nil {
		return nil, err
	}
	return kvGetSession(ctx, b, token)
}

// sessionIndexKey returns the uniqueness key of s or an empty string if
// s is not subject to uniqueness.
func sessionIndexKey(s *form.Session) string {
	if s.UserID == "" {
		return ""
	}
	if s.WorkflowItemID != "" {
		return key(keyPfxItemSession, s.WorkflowItemID, s.UserID)
	}
	if s.Open() {
		return key(keyPfxOpen, s.UserID, s.FormID)
	}
	return ""
}

func kvInsertSession(ctx context.Context, b *buckets, s *form.Session) (*form.Session, error) {
	if s.Token == "" {
		return nil, storage.ErrMissingID
	}
	k := sessionIndexKey(s)
	if k != "" {
		existing, err := kvGetIndexedSession(ctx, b, k)
		if err == nil {
			return existing, nil
		}
	}
	if err := setJSON(ctx, b.session, s.Token, s); err != nil {
		return nil, err
	}
	if k != "" {
		if err := b.index.Set(ctx, k, []byte(s.Token)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func kvCompleteSession(ctx context.Context, b *buckets, token, formID, userID string, at time.Time) (bool, error) {
	s, err := kvGetSession(ctx, b, token)
	if err != nil {
		return false, err
	}
	if !s.Open() || s.FormID != formID || s.UserID != userID {
		return false, nil
	}
	openKey := sessionIndexKey(s)
	s.Completed = true
	s.CompletedAt = at
	s.UpdatedAt = at
	if err = setJSON(ctx, b.session, token, s); err != nil {
		return false, err
	}
	if s.WorkflowItemID == "" && openKey != "" {
		if err = deleteIfExists(ctx, b.index, openKey); err != nil {
			return false, err
		}
	}
	return true, nil
}

func kvDeactivateSession(ctx context.Context, b *buckets, token string, at time.Time) error {
	s, err := kvGetSession(ctx, b, token)
	if err != nil {
		return err
	}
	if !s.Active {
		return nil
	}
	openKey := sessionIndexKey(s)
	s.Active = false
	s.UpdatedAt = at
	if err = setJSON(ctx, b.session, token, s); err != nil {
		return err
	}
	if s.WorkflowItemID == "" && openKey != "" {
		return deleteIfExists(ctx, b.index, openKey)
	}
	return nil
}

// responseRecord is the stored form of a response and its values.
type responseRecord struct {
	Response *form.Response                 `json:"response"`
	Values   map[string]*form.ResponseValue `json:"values,omitempty"`
}

func kvGetResponseRecord(ctx context.Context, b *buckets, token string) (*responseRecord, error) {
	rec := new(responseRecord)
	return rec, getJSON(ctx, b.response, token, rec)
}

func kvUpsertResponse(ctx context.Context, b *buckets, r *form.Response) (string, error) {
	if r.SessionToken == "" {
		return "", fmt.Errorf("session token: %w", storage.ErrMissingID)
	}
	rec, err := kvGetResponseRecord(ctx, b, r.SessionToken)
	if err == nil {
		stored := rec.Response
		stored.FormID = r.FormID
		stored.UserID = r.UserID
		stored.ClientIP = r.ClientIP
		stored.UserAgent = r.UserAgent
		if len(r.Metadata) > 0 {
			stored.Metadata = r.Metadata
		}
		if !r.SubmittedAt.IsZero() {
			stored.SubmittedAt = r.SubmittedAt
		}
		stored.UpdatedAt = r.UpdatedAt
	} else {
		if r.ID == "" {
			return "", storage.ErrMissingID
		}
		c := *r
		rec = &responseRecord{Response: &c}
		if err = b.index.Set(ctx, key(keyPfxResponseID, r.ID), []byte(r.SessionToken)); err != nil {
			return "", err
		}
	}
	return rec.Response.ID, setJSON(ctx, b.response, r.SessionToken, rec)
}

func kvReplaceResponseValue(ctx context.Context, b *buckets, v *form.ResponseValue) error {
	token, err := getString(ctx, b.index, key(keyPfxResponseID, v.ResponseID))
	if err != nil {
		return err
	}
	rec, err := kvGetResponseRecord(ctx, b, token)
	if err != nil {
		return err
	}
	if rec.Values == nil {
		rec.Values = make(map[string]*form.ResponseValue)
	}
	rec.Values[v.FieldID] = v
	if err = b.index.Set(ctx, key(keyPfxFieldValues, v.FieldID), marker); err != nil {
		return err
	}
	return setJSON(ctx, b.response, token, rec)
}

func kvGetRun(ctx context.Context, b *buckets, id string) (*workflow.Run, error) {
	r := new(workflow.Run)
	return r, getJSON(ctx, b.run, id, r)
}

func kvGetItem(ctx context.Context, b *buckets, id string) (*workflow.Item, error) {
	i := new(workflow.Item)
	return i, getJSON(ctx, b.item, id, i)
}

func kvGetRunItemIDs(ctx context.Context, b *buckets, runID string) ([]string, error) {
	var ids []string
	err := getJSON(ctx, b.index, key(keyPfxRunItems, runID), &ids)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	return ids, nil
}

func kvGetRunItems(ctx context.Context, b *buckets, runID string) ([]*workflow.Item, error) {
	ids, err := kvGetRunItemIDs(ctx, b, runID)
	if err != nil {
		return nil, err
	}
	items := make([]*workflow.Item, 0, len(ids))
	for _, id := range ids {
		i, err := kvGetItem(ctx, b, id)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, nil
}

func kvCreateItem(ctx context.Context, b *buckets, i *workflow.Item) error {
	if i.ID == "" {
		return storage.ErrMissingID
	}
	if _, err := kvGetRun(ctx, b, i.RunID); err != nil {
		return err
	}
	ids, err := kvGetRunItemIDs(ctx, b, i.RunID)
	if err != nil {
		return err
	}
	if err = setJSON(ctx, b.item, i.ID, i); err != nil {
		return err
	}
	return setJSON(ctx, b.index, key(keyPfxRunItems, i.RunID), append(ids, i.ID))
}

// setExisting writes v at k only if k already exists in bkt.
func setExisting(ctx context.Context, bkt kv.CRUDBucket, k string, v interface{}) error {
	found, err := bkt.Has(ctx, k)
	if err != nil {
		return err
	} else if !found {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, k)
	}
	return setJSON(ctx, bkt, k, v)
}
