package wizard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
	"github.com/odsaligners-portal/crm-sub003/internal/client/api"
)

func newSlots(t *testing.T, role string) (*harness, *SlotManager) {
	t.Helper()
	h := newHarness(t, role, Options{})
	h.records.put("p1", map[string]string{casefields.PatientName: "Asha"}, nil)
	m, err := h.w.Slots("p1")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h, m
}

func upload(m *SlotManager, index int, name string) error {
	return m.Upload(context.Background(), index, name, strings.NewReader("data"), 4)
}

func TestSlots_FileTypeEnforcement(t *testing.T) {
	tests := []struct {
		role     string
		index    int
		filename string
		ok       bool
	}{
		{"doctor", 0, "upper.jpg", true},
		{"doctor", 5, "profile.JPEG", true},
		{"doctor", 10, "other.png", true},
		{"doctor", 3, "left.gif", false},
		{"doctor", 7, "scan.stl", false},
		{"doctor", 11, "upper.ply", true},
		{"doctor", 12, "lower.stl", true},
		{"doctor", 12, "lower.tls", false},
		{"doctor", 11, "photo.png", false},
		{"distributor", 11, "upper.tls", true},
		{"distributor", 12, "lower.stl", false},
		{"distributor", 0, "noext", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d/%s", tt.role, tt.index, tt.filename), func(t *testing.T) {
			h, m := newSlots(t, tt.role)
			err := upload(m, tt.index, tt.filename)
			if tt.ok {
				if err != nil {
					t.Fatalf("expected upload to succeed, got %v", err)
				}
				if h.storage.uploadCount() != 1 {
					t.Errorf("expected 1 upload, got %d", h.storage.uploadCount())
				}
				return
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if h.storage.uploadCount() != 0 {
				t.Error("rejected file must not reach storage")
			}
			if !strings.HasPrefix(h.ui.lastError(), "Invalid file type") {
				t.Errorf("unexpected toast %q", h.ui.lastError())
			}
		})
	}
}

func TestSlots_InvalidIndex(t *testing.T) {
	h, m := newSlots(t, "doctor")
	for _, i := range []int{-1, casefields.SlotCount} {
		if err := upload(m, i, "a.png"); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation for index %d, got %v", i, err)
		}
	}
	if h.storage.uploadCount() != 0 {
		t.Error("expected no uploads")
	}
}

func TestSlots_SingleOccupancy(t *testing.T) {
	h, m := newSlots(t, "doctor")
	ctx := context.Background()

	if err := upload(m, 0, "a.png"); err != nil {
		t.Fatal(err)
	}
	slot, _ := m.Slot(0)
	if slot.State != SlotUploaded || slot.Progress != 100 || slot.File == nil {
		t.Fatalf("unexpected slot %+v", slot)
	}
	firstKey := slot.File.FileKey

	if err := upload(m, 0, "b.png"); !errors.Is(err, ErrSlotOccupied) {
		t.Fatalf("expected ErrSlotOccupied, got %v", err)
	}
	if h.ui.lastError() != MsgSlotOccupied {
		t.Errorf("unexpected toast %q", h.ui.lastError())
	}
	if h.storage.uploadCount() != 1 {
		t.Error("occupied slot must not upload")
	}

	if err := m.Delete(ctx, 0); err != nil {
		t.Fatal(err)
	}
	slot, _ = m.Slot(0)
	if slot.State != SlotEmpty || slot.File != nil || slot.Progress != 0 {
		t.Errorf("expected empty slot after delete, got %+v", slot)
	}
	if len(h.storage.deletes) != 1 || h.storage.deletes[0] != firstKey {
		t.Errorf("expected storage delete of %s, got %v", firstKey, h.storage.deletes)
	}

	if err := upload(m, 0, "b.png"); err != nil {
		t.Fatalf("expected upload after delete to succeed, got %v", err)
	}
}

func TestSlots_DeleteEmptyIsNoop(t *testing.T) {
	h, m := newSlots(t, "doctor")
	if err := m.Delete(context.Background(), 4); err != nil {
		t.Fatal(err)
	}
	if len(h.storage.deletes) != 0 {
		t.Error("expected no storage call")
	}
}

func TestSlots_DeleteFailureKeepsFile(t *testing.T) {
	h, m := newSlots(t, "doctor")
	upload(m, 2, "a.png")
	h.storage.deleteErr = &api.Error{Status: http.StatusInternalServerError, Message: "bucket unavailable"}

	if err := m.Delete(context.Background(), 2); err == nil {
		t.Fatal("expected error")
	}
	slot, _ := m.Slot(2)
	if slot.State != SlotUploaded || slot.File == nil {
		t.Errorf("expected file to be kept, got %+v", slot)
	}
	if h.ui.lastError() != "bucket unavailable" {
		t.Errorf("unexpected toast %q", h.ui.lastError())
	}
}

func TestSlots_DeleteOfMissingObjectClearsSlot(t *testing.T) {
	h, m := newSlots(t, "doctor")
	upload(m, 2, "a.png")
	h.storage.deleteErr = &api.Error{Status: http.StatusNotFound, Message: "object not found"}
	if err := m.Delete(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if slot, _ := m.Slot(2); slot.State != SlotEmpty {
		t.Errorf("expected empty slot, got %s", slot.State)
	}
}

func TestSlots_UploadFailureResetsProgress(t *testing.T) {
	h, m := newSlots(t, "doctor")
	h.storage.uploadErr = &api.Error{Status: http.StatusRequestEntityTooLarge, Message: "file too large"}

	var mu sync.Mutex
	var progress []int
	m.OnChange(func(s Slot) {
		mu.Lock()
		progress = append(progress, s.Progress)
		mu.Unlock()
	})

	if err := upload(m, 1, "a.png"); err == nil {
		t.Fatal("expected error")
	}
	slot, _ := m.Slot(1)
	if slot.State != SlotError || slot.Progress != 0 || slot.File != nil {
		t.Errorf("unexpected slot after failure %+v", slot)
	}
	if h.ui.lastError() != "file too large" {
		t.Errorf("unexpected toast %q", h.ui.lastError())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(progress) < 2 || progress[1] != 50 {
		t.Errorf("expected progress reports, got %v", progress)
	}

	h.storage.uploadErr = nil
	if err := upload(m, 1, "a.png"); err != nil {
		t.Errorf("expected retry after failure to succeed, got %v", err)
	}
}

func TestSlots_SubmitGating(t *testing.T) {
	h, m := newSlots(t, "doctor")
	ctx := context.Background()

	if m.CanSubmit() {
		t.Error("expected CanSubmit false with no files")
	}
	if err := m.Finalize(ctx); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(h.records.callsOf("PUT")) != 0 {
		t.Error("expected no PUT without files")
	}
	if h.ui.lastError() != MsgNoFiles {
		t.Errorf("unexpected toast %q", h.ui.lastError())
	}

	upload(m, 11, "upper.ply")
	if !m.CanSubmit() {
		t.Error("expected CanSubmit true once a slot is filled")
	}
}

func TestSlots_FinalizeOmitsEmptySlots(t *testing.T) {
	h, m := newSlots(t, "doctor")
	ctx := context.Background()
	upload(m, 0, "a.png")
	upload(m, 12, "lower.stl")

	if err := m.Finalize(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	puts := h.records.callsOf("PUT")
	if len(puts) != 1 {
		t.Fatalf("expected 1 PUT, got %d", len(puts))
	}
	body := puts[0].body.(map[string]interface{})
	if len(body) != 1 {
		t.Errorf("expected only scanFiles in body, got %v", body)
	}
	files := body[casefields.ScanFiles].(casefields.ScanFileMap)
	if len(files) != 2 || len(files["img1"]) != 1 || len(files["model2"]) != 1 {
		t.Errorf("expected img1 and model2 only, got %v", files)
	}
	if err := files.Validate(); err != nil {
		t.Errorf("expected valid scan files, got %v", err)
	}
	if h.ui.lastNav() != "/doctor/patients" {
		t.Errorf("expected list navigation, got %q", h.ui.lastNav())
	}
}

func TestSlots_FinalizeFailureReportsOrphans(t *testing.T) {
	h, m := newSlots(t, "doctor")
	ctx := context.Background()
	upload(m, 0, "a.png")
	upload(m, 1, "b.png")

	h.records.saveErr = &api.Error{Status: http.StatusInternalServerError, Message: "database unavailable"}
	if err := m.Finalize(ctx); err == nil {
		t.Fatal("expected error")
	}
	if len(h.storage.orphans) != 2 {
		t.Errorf("expected 2 orphan candidates, got %v", h.storage.orphans)
	}
	if h.ui.lastError() != "database unavailable" {
		t.Errorf("unexpected toast %q", h.ui.lastError())
	}
	if len(h.ui.navigate) != 0 {
		t.Error("expected to stay on step 4")
	}
	if !m.CanSubmit() {
		t.Error("expected slots to be kept for a retry")
	}

	h.records.saveErr = nil
	if err := m.Finalize(ctx); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestSlots_LoadResumesSavedFiles(t *testing.T) {
	h := newHarness(t, "doctor", Options{})
	saved := casefields.ScanFileMap{
		"img3":   {{FileURL: "http://files/scans/x.png", FileKey: "scans/x.png", UploadedAt: time.Now()}},
		"model1": {{FileURL: "http://files/scans/y.ply", FileKey: "scans/y.ply", UploadedAt: time.Now()}},
	}
	h.records.put("p1", map[string]string{}, saved)
	m, _ := h.w.Slots("p1")
	if err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	slots := m.Slots()
	if slots[2].State != SlotUploaded || slots[2].File.FileKey != "scans/x.png" {
		t.Errorf("unexpected img3 slot %+v", slots[2])
	}
	if slots[11].State != SlotUploaded || slots[0].State != SlotEmpty {
		t.Errorf("unexpected slot states %s %s", slots[11].State, slots[0].State)
	}
	if slots[11].Label != "Select PLY/STL File to upload" {
		t.Errorf("unexpected clinical label %q", slots[11].Label)
	}

	// Files already on the record are not orphan candidates.
	h.records.saveErr = errors.New("offline")
	m.Finalize(context.Background())
	if len(h.storage.orphans) != 0 {
		t.Errorf("expected no orphans for saved files, got %v", h.storage.orphans)
	}
}

func TestSlots_Replace(t *testing.T) {
	h, m := newSlots(t, "doctor")
	ctx := context.Background()
	upload(m, 0, "a.png")
	old, _ := m.Slot(0)

	if err := m.Replace(ctx, 0, "b.png", strings.NewReader("new"), 3); err != nil {
		t.Fatal(err)
	}
	slot, _ := m.Slot(0)
	if slot.File.FileKey == old.File.FileKey {
		t.Error("expected the slot to hold the new file")
	}
	if len(h.storage.deletes) != 1 || h.storage.deletes[0] != old.File.FileKey {
		t.Errorf("expected old object deleted, got %v", h.storage.deletes)
	}

	h.storage.deleteErr = errors.New("offline")
	prev := slot.File.FileKey
	if err := m.Replace(ctx, 0, "c.png", strings.NewReader("newer"), 5); err != nil {
		t.Fatal(err)
	}
	if len(h.storage.orphans) != 1 || h.storage.orphans[0] != prev {
		t.Errorf("expected undeletable old file reported, got %v", h.storage.orphans)
	}
}

func TestSlots_ReplaceUploadFailureKeepsOldFile(t *testing.T) {
	h, m := newSlots(t, "doctor")
	upload(m, 0, "a.png")
	old, _ := m.Slot(0)

	h.storage.uploadErr = errors.New("offline")
	if err := m.Replace(context.Background(), 0, "b.png", strings.NewReader("x"), 1); err == nil {
		t.Fatal("expected error")
	}
	slot, _ := m.Slot(0)
	if slot.State != SlotUploaded || slot.File.FileKey != old.File.FileKey {
		t.Errorf("expected old file kept, got %+v", slot)
	}
	if len(h.storage.deletes) != 0 {
		t.Error("old object must not be deleted when the new upload fails")
	}
}

func TestSlots_ConcurrentUploads(t *testing.T) {
	h, m := newSlots(t, "doctor")
	h.storage.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = upload(m, i, fmt.Sprintf("%d.png", i))
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.storage.uploadCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.storage.uploadCount() != 4 {
		t.Fatalf("expected 4 uploads in flight at once, got %d", h.storage.uploadCount())
	}
	if err := m.Finalize(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("expected Finalize to wait for uploads, got %v", err)
	}
	if err := upload(m, 0, "again.png"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy for an in-flight slot, got %v", err)
	}

	close(h.storage.gate)
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("slot %d: %v", i, err)
		}
	}
	for _, s := range m.Slots()[:4] {
		if s.State != SlotUploaded {
			t.Errorf("slot %d not uploaded: %s", s.Index, s.State)
		}
	}
}

func TestSlots_NoChangesWhileSubmitting(t *testing.T) {
	h, m := newSlots(t, "doctor")
	ctx := context.Background()
	upload(m, 0, "a.png")
	h.records.saveGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- m.Finalize(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		submitting := m.submitting
		m.mu.Unlock()
		if submitting {
			break
		}
		time.Sleep(time.Millisecond)
	}

	uploadsBefore := h.storage.uploadCount()
	if err := upload(m, 1, "b.png"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy for an upload during submit, got %v", err)
	}
	if h.storage.uploadCount() != uploadsBefore {
		t.Error("expected no upload to reach storage during submit")
	}
	if err := m.Delete(ctx, 0); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy for a delete during submit, got %v", err)
	}
	if h.ui.lastError() != MsgSubmitInFlight {
		t.Errorf("unexpected toast %q", h.ui.lastError())
	}
	if slot, _ := m.Slot(0); slot.State != SlotUploaded {
		t.Errorf("expected slot 0 to keep its file, got %s", slot.State)
	}

	close(h.records.saveGate)
	if err := <-done; err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	files := h.records.callsOf("PUT")[0].body.(map[string]interface{})[casefields.ScanFiles].(casefields.ScanFileMap)
	if len(files) != 1 || len(files["img1"]) != 1 {
		t.Errorf("expected only img1 to be submitted, got %v", files)
	}
}
