package kv

import (
	"context"
	"sort"

	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/workflow"
)

// StoreForm implements the storage interface method.
func (s *KV) StoreForm(ctx context.Context, f *form.Form) error {
	return s.update(ctx, func(b *buckets) error {
		return kvStoreForm(ctx, b, f)
	})
}

// RetrieveForm implements the storage interface method.
func (s *KV) RetrieveForm(ctx context.Context, id string) (f *form.Form, err error) {
	err = s.view(func(b *buckets) error {
		f, err = kvGetForm(ctx, b, id)
		return err
	})
	return
}

// RetrieveFormByKey implements the storage interface method.
func (s *KV) RetrieveFormByKey(ctx context.Context, formKey string) (f *form.Form, err error) {
	err = s.view(func(b *buckets) error {
		f, err = kvGetFormByKey(ctx, b, formKey)
		return err
	})
	return
}

// DeleteField implements the storage interface method.
func (s *KV) DeleteField(ctx context.Context, fieldID string) (deactivated bool, err error) {
	err = s.update(ctx, func(b *buckets) error {
		deactivated, err = kvDeleteField(ctx, b, fieldID)
		return err
	})
	return
}

// StoreWorkflow implements the storage interface method.
func (s *KV) StoreWorkflow(ctx context.Context, w *workflow.Workflow) error {
	return s.update(ctx, func(b *buckets) error {
		return kvStoreWorkflow(ctx, b, w)
	})
}

// RetrieveWorkflow implements the storage interface method.
func (s *KV) RetrieveWorkflow(ctx context.Context, id string) (w *workflow.Workflow, err error) {
	err = s.view(func(b *buckets) error {
		w, err = kvGetWorkflow(ctx, b, id)
		return err
	})
	return
}

// GrantAccess implements the storage interface method.
func (s *KV) GrantAccess(ctx context.Context, formID, userID string) error {
	return s.update(ctx, func(b *buckets) error {
		if _, err := kvGetForm(ctx, b, formID); err != nil {
			return err
		}
		return b.index.Set(ctx, key(keyPfxAccess, formID, userID), marker)
	})
}

// RevokeAccess implements the storage interface method.
func (s *KV) RevokeAccess(ctx context.Context, formID, userID string) error {
	return s.update(ctx, func(b *buckets) error {
		return deleteIfExists(ctx, b.index, key(keyPfxAccess, formID, userID))
	})
}

// ValidateAccess implements the storage interface method.
func (s *KV) ValidateAccess(ctx context.Context, userID, formKey string) (ok bool, err error) {
	if userID == "" {
		return false, nil
	}
	err = s.view(func(b *buckets) error {
		formID, err := getString(ctx, b.index, key(keyPfxFormKey, formKey))
		if isNotFound(err) {
			return nil
		} else if err != nil {
			return err
		}
		ok, err = b.index.Has(ctx, key(keyPfxAccess, formID, userID))
		return err
	})
	return
}

// RetrieveResponse implements the storage interface method.
func (s *KV) RetrieveResponse(ctx context.Context, sessionToken string) (r *form.Response, values []*form.ResponseValue, err error) {
	err = s.view(func(b *buckets) error {
		rec, err := kvGetResponseRecord(ctx, b, sessionToken)
		if err != nil {
			return err
		}
		r = rec.Response
		for _, v := range rec.Values {
			values = append(values, v)
		}
		sort.Slice(values, func(i, j int) bool {
			return values[i].FieldID < values[j].FieldID
		})
		return nil
	})
	return
}
