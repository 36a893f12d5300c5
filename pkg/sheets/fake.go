package sheets

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is an in-memory DocumentClient used by tests and local
// development. Error hooks let callers inject classified failures per
// method, and call counters expose how many remote round-trips happened.
type FakeClient struct {
	mu      sync.Mutex
	docs    map[string]*fakeDoc
	nextRow int

	// Error hooks. A nil hook never fails.
	OpenErr    func(sheetRef string) error
	EnsureErr  func(title string) error
	GetRowsErr func(title string) error
	AddRowsErr func(rows []Row) error
	UpdateErr  func(rowID string) error
	DeleteErr  func(rowID string) error

	opens        int64
	closes       int64
	loads        int64
	ensures      int64
	getRowsCalls int64
	addRowsCalls int64
	updates      int64
	deletes      int64
	addRowsSizes []int
}

type fakeDoc struct {
	ref    string
	sheets map[string]*fakeSheet
}

type fakeHandle struct{ ref string }

func (h *fakeHandle) SheetRef() string { return h.ref }

type fakeSheet struct {
	client  *FakeClient
	doc     *fakeDoc
	title   string
	headers []string
	rows    []Row
}

func (s *fakeSheet) Title() string { return s.title }

// NewFakeClient creates an empty in-memory document store
func NewFakeClient() *FakeClient {
	return &FakeClient{docs: make(map[string]*fakeDoc)}
}

// Open implements DocumentClient
func (f *FakeClient) Open(ctx context.Context, sheetRef string) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.OpenErr != nil {
		if err := f.OpenErr(sheetRef); err != nil {
			return nil, err
		}
	}
	if _, ok := f.docs[sheetRef]; !ok {
		f.docs[sheetRef] = &fakeDoc{ref: sheetRef, sheets: make(map[string]*fakeSheet)}
	}
	return &fakeHandle{ref: sheetRef}, nil
}

// LoadInfo implements DocumentClient
func (f *FakeClient) LoadInfo(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if _, ok := f.docs[h.SheetRef()]; !ok {
		return NewClientError(ClassFatal, fmt.Sprintf("document %q not open", h.SheetRef()), nil)
	}
	return nil
}

// EnsureSheet implements DocumentClient
func (f *FakeClient) EnsureSheet(ctx context.Context, h Handle, title string, headers []string) (Sheet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if f.EnsureErr != nil {
		if err := f.EnsureErr(title); err != nil {
			return nil, err
		}
	}
	doc, ok := f.docs[h.SheetRef()]
	if !ok {
		return nil, NewClientError(ClassFatal, fmt.Sprintf("document %q not open", h.SheetRef()), nil)
	}
	sh, ok := doc.sheets[title]
	if !ok {
		sh = &fakeSheet{client: f, doc: doc, title: title}
		doc.sheets[title] = sh
	}
	if len(headers) > 0 {
		sh.headers = append([]string(nil), headers...)
	}
	return sh, nil
}

func asFakeSheet(s Sheet) (*fakeSheet, error) {
	sh, ok := s.(*fakeSheet)
	if !ok {
		return nil, NewClientError(ClassFatal, "sheet does not belong to this client", nil)
	}
	return sh, nil
}

// GetRows implements DocumentClient. The range parameter is ignored by the
// in-memory store.
func (f *FakeClient) GetRows(ctx context.Context, s Sheet, rng string) ([]Row, error) {
	sh, err := asFakeSheet(s)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getRowsCalls++
	if f.GetRowsErr != nil {
		if err := f.GetRowsErr(sh.title); err != nil {
			return nil, err
		}
	}
	out := make([]Row, len(sh.rows))
	copy(out, sh.rows)
	return out, nil
}

// AddRows implements DocumentClient
func (f *FakeClient) AddRows(ctx context.Context, s Sheet, rows []Row) error {
	sh, err := asFakeSheet(s)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addRowsCalls++
	f.addRowsSizes = append(f.addRowsSizes, len(rows))
	if f.AddRowsErr != nil {
		if err := f.AddRowsErr(rows); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if r.ID == "" {
			f.nextRow++
			r.ID = fmt.Sprintf("r%d", f.nextRow)
		}
		sh.rows = append(sh.rows, r)
	}
	return nil
}

// UpdateRow implements DocumentClient
func (f *FakeClient) UpdateRow(ctx context.Context, s Sheet, rowID string, fields map[string]interface{}) error {
	sh, err := asFakeSheet(s)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.UpdateErr != nil {
		if err := f.UpdateErr(rowID); err != nil {
			return err
		}
	}
	for i := range sh.rows {
		if sh.rows[i].ID == rowID {
			if sh.rows[i].Fields == nil {
				sh.rows[i].Fields = make(map[string]interface{})
			}
			for k, v := range fields {
				sh.rows[i].Fields[k] = v
			}
			return nil
		}
	}
	return NewClientError(ClassFatal, fmt.Sprintf("row %q not found", rowID), nil)
}

// DeleteRow implements DocumentClient
func (f *FakeClient) DeleteRow(ctx context.Context, s Sheet, rowID string) error {
	sh, err := asFakeSheet(s)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.DeleteErr != nil {
		if err := f.DeleteErr(rowID); err != nil {
			return err
		}
	}
	for i := range sh.rows {
		if sh.rows[i].ID == rowID {
			sh.rows = append(sh.rows[:i], sh.rows[i+1:]...)
			return nil
		}
	}
	return NewClientError(ClassFatal, fmt.Sprintf("row %q not found", rowID), nil)
}

// Close implements DocumentClient
func (f *FakeClient) Close(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Counters returns the remote call counts observed so far
func (f *FakeClient) Counters() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int64{
		"opens":    f.opens,
		"closes":   f.closes,
		"loads":    f.loads,
		"ensures":  f.ensures,
		"get_rows": f.getRowsCalls,
		"add_rows": f.addRowsCalls,
		"updates":  f.updates,
		"deletes":  f.deletes,
	}
}

// AddRowsSizes returns the row counts of every AddRows call, in order
func (f *FakeClient) AddRowsSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.addRowsSizes...)
}

// Rows returns a copy of a sheet's rows for assertions
func (f *FakeClient) Rows(sheetRef, title string) []Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[sheetRef]
	if !ok {
		return nil
	}
	sh, ok := doc.sheets[title]
	if !ok {
		return nil
	}
	out := make([]Row, len(sh.rows))
	copy(out, sh.rows)
	return out
}
