package wizard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
	"github.com/odsaligners-portal/crm-sub003/internal/client/api"
)

// SlotState is the lifecycle position of one upload slot.
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotUploading
	SlotUploaded
	SlotError
)

func (s SlotState) String() string {
	switch s {
	case SlotUploading:
		return "uploading"
	case SlotUploaded:
		return "uploaded"
	case SlotError:
		return "error"
	default:
		return "empty"
	}
}

// Slot is a read-only view of one upload slot.
type Slot struct {
	Index    int
	Name     string
	Label    string
	Accepts  []string
	State    SlotState
	Progress int
	File     *casefields.ScanFile
}

type slotState struct {
	state    SlotState
	progress int
	file     *casefields.ScanFile
	// fresh marks a file uploaded in this mount and not yet saved on the record.
	fresh bool
}

// SlotManager runs step 4: thirteen independent upload slots and the final
// submission that attaches them to the record.
type SlotManager struct {
	w         *Wizard
	patientID string

	mu         sync.Mutex
	slots      [casefields.SlotCount]slotState
	submitting bool
	version    int
	onChange   func(Slot)
}

func newSlotManager(w *Wizard, patientID string) *SlotManager {
	return &SlotManager{w: w, patientID: patientID}
}

// OnChange registers a callback run after every slot change, progress
// updates included. It runs outside the manager's lock.
func (m *SlotManager) OnChange(fn func(Slot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *SlotManager) PatientID() string { return m.patientID }

func (m *SlotManager) view(i int) Slot {
	def, _ := casefields.SlotAt(i)
	s := m.slots[i]
	v := Slot{
		Index:    i,
		Name:     def.Name,
		Label:    def.LabelFor(m.w.scope.Variant),
		Accepts:  casefields.AcceptedExtensions(def.Class, m.w.scope.Variant),
		State:    s.state,
		Progress: s.progress,
	}
	if s.file != nil {
		f := *s.file
		v.File = &f
	}
	return v
}

// update applies fn to slot i under the lock and notifies the listener.
func (m *SlotManager) update(i int, fn func(s *slotState)) {
	m.mu.Lock()
	fn(&m.slots[i])
	v, cb := m.view(i), m.onChange
	m.mu.Unlock()
	if cb != nil {
		cb(v)
	}
}

// Slots returns every slot in index order.
func (m *SlotManager) Slots() []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Slot, casefields.SlotCount)
	for i := range out {
		out[i] = m.view(i)
	}
	return out
}

// Slot returns slot i, or false when i is out of range.
func (m *SlotManager) Slot(i int) (Slot, bool) {
	if _, ok := casefields.SlotAt(i); !ok {
		return Slot{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view(i), true
}

// Load mounts the slots from the record's saved scanFiles so a resumed step 4
// shows what was already attached.
func (m *SlotManager) Load(ctx context.Context) error {
	rec, err := m.w.records.GetRecord(ctx, m.w.scope.APIBase, m.patientID)

	m.mu.Lock()
	m.slots = [casefields.SlotCount]slotState{}
	if err == nil {
		m.version = rec.Version
		for name, files := range rec.ScanFiles {
			def, ok := casefields.SlotByName(name)
			if !ok || len(files) == 0 {
				continue
			}
			f := files[0]
			m.slots[def.Index] = slotState{state: SlotUploaded, progress: 100, file: &f}
		}
	}
	m.mu.Unlock()

	if err != nil {
		m.w.toast.Error(messageFor(err, MsgLoadFailed))
		m.w.logger.Warn().Err(err).Str("patient_id", m.patientID).Msg("load scan files")
		return err
	}
	return nil
}

// checkFile validates slot index and extension without touching the network.
func (m *SlotManager) checkFile(index int, filename string) (casefields.SlotDef, error) {
	def, ok := casefields.SlotAt(index)
	if !ok {
		msg := fmt.Sprintf("Invalid upload slot %d", index)
		m.w.toast.Error(msg)
		return def, newValidationError(msg, nil)
	}
	if !def.Accepts(filename, m.w.scope.Variant) {
		exts := casefields.AcceptedExtensions(def.Class, m.w.scope.Variant)
		msg := fmt.Sprintf("Invalid file type. Allowed: .%s", strings.Join(exts, ", ."))
		m.w.toast.Error(msg)
		return def, newValidationError(msg, nil)
	}
	return def, nil
}

// Upload sends a file into an empty slot. Occupied slots must be emptied
// with Delete (or use Replace) first.
func (m *SlotManager) Upload(ctx context.Context, index int, filename string, r io.Reader, size int64) error {
	if _, err := m.checkFile(index, filename); err != nil {
		return err
	}

	if _, err := m.claim(index, false); err != nil {
		return err
	}

	file, err := m.send(ctx, index, filename, r, size)
	if err != nil {
		m.update(index, func(s *slotState) { *s = slotState{state: SlotError} })
		m.w.toast.Error(storageMessage(err, MsgUploadFailed))
		m.w.logger.Warn().Err(err).Int("slot", index).Str("file", filename).Msg("upload")
		return err
	}

	m.update(index, func(s *slotState) {
		*s = slotState{state: SlotUploaded, progress: 100, file: file, fresh: true}
	})
	m.w.toast.Success(MsgUploaded)
	return nil
}

// claim marks slot index as uploading and returns its previous state. Nothing
// is claimed while Finalize is saving. A slot already uploading is refused,
// and so is an occupied one unless allowOccupied is set.
func (m *SlotManager) claim(index int, allowOccupied bool) (slotState, error) {
	m.mu.Lock()
	prev := m.slots[index]
	switch {
	case m.submitting:
		m.mu.Unlock()
		m.w.toast.Error(MsgSubmitInFlight)
		return prev, ErrBusy
	case prev.state == SlotUploading:
		m.mu.Unlock()
		m.w.toast.Error(MsgUploadInFlight)
		return prev, ErrBusy
	case prev.file != nil && !allowOccupied:
		m.mu.Unlock()
		m.w.toast.Error(MsgSlotOccupied)
		return prev, ErrSlotOccupied
	}
	m.slots[index] = slotState{state: SlotUploading, file: prev.file, fresh: prev.fresh}
	v, cb := m.view(index), m.onChange
	m.mu.Unlock()
	if cb != nil {
		cb(v)
	}
	return prev, nil
}

// send streams the file and reports progress on slot index.
func (m *SlotManager) send(ctx context.Context, index int, filename string, r io.Reader, size int64) (*casefields.ScanFile, error) {
	progress := func(pct int) {
		m.update(index, func(s *slotState) { s.progress = pct })
	}
	out, err := m.w.storage.Upload(ctx, filename, r, size, progress)
	if err != nil {
		return nil, err
	}
	uploadedAt := out.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = time.Now().UTC()
	}
	return &casefields.ScanFile{FileURL: out.FileURL, FileKey: out.FileKey, UploadedAt: uploadedAt}, nil
}

// Delete removes the slot's file from storage and empties the slot. An empty
// slot is a no-op. If storage refuses, the slot keeps its file.
func (m *SlotManager) Delete(ctx context.Context, index int) error {
	if _, ok := casefields.SlotAt(index); !ok {
		return nil
	}
	m.mu.Lock()
	s, submitting := m.slots[index], m.submitting
	m.mu.Unlock()
	if submitting {
		m.w.toast.Error(MsgSubmitInFlight)
		return ErrBusy
	}
	if s.state == SlotUploading {
		m.w.toast.Error(MsgUploadInFlight)
		return ErrBusy
	}
	if s.file == nil {
		return nil
	}

	err := m.w.storage.DeleteObject(ctx, s.file.FileKey)
	if err != nil && !api.IsStatus(err, http.StatusNotFound) {
		m.w.toast.Error(storageMessage(err, MsgDeleteFailed))
		m.w.logger.Warn().Err(err).Int("slot", index).Str("key", s.file.FileKey).Msg("delete upload")
		return err
	}

	m.update(index, func(s *slotState) { *s = slotState{} })
	m.w.toast.Success(MsgDeleted)
	return nil
}

// Replace uploads a new file into an occupied slot and then deletes the old
// object, as one action. If the old object cannot be deleted it is reported
// as an orphan candidate; the slot still moves to the new file. On an empty
// slot Replace is Upload.
func (m *SlotManager) Replace(ctx context.Context, index int, filename string, r io.Reader, size int64) error {
	if _, err := m.checkFile(index, filename); err != nil {
		return err
	}

	old, err := m.claim(index, true)
	if err != nil {
		return err
	}
	if old.file == nil {
		m.update(index, func(s *slotState) { *s = slotState{} })
		return m.Upload(ctx, index, filename, r, size)
	}

	file, err := m.send(ctx, index, filename, r, size)
	if err != nil {
		m.update(index, func(s *slotState) { *s = old })
		m.w.toast.Error(storageMessage(err, MsgUploadFailed))
		m.w.logger.Warn().Err(err).Int("slot", index).Str("file", filename).Msg("replace upload")
		return err
	}
	m.update(index, func(s *slotState) {
		*s = slotState{state: SlotUploaded, progress: 100, file: file, fresh: true}
	})

	if err := m.w.storage.DeleteObject(ctx, old.file.FileKey); err != nil && !api.IsStatus(err, http.StatusNotFound) {
		m.w.logger.Warn().Err(err).Str("key", old.file.FileKey).Msg("delete replaced upload")
		m.reportOrphans(ctx, []string{old.file.FileKey}, "replaced file could not be deleted")
	}
	m.w.toast.Success(MsgUploaded)
	return nil
}

// CanSubmit reports whether at least one slot holds a file.
func (m *SlotManager) CanSubmit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.state == SlotUploaded && s.file != nil {
			return true
		}
	}
	return false
}

// ScanFiles builds the scanFiles map from populated slots only.
func (m *SlotManager) ScanFiles() casefields.ScanFileMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanFilesLocked()
}

func (m *SlotManager) scanFilesLocked() casefields.ScanFileMap {
	out := casefields.ScanFileMap{}
	for i, s := range m.slots {
		if s.state != SlotUploaded || s.file == nil {
			continue
		}
		def, _ := casefields.SlotAt(i)
		out[def.Name] = []casefields.ScanFile{*s.file}
	}
	return out
}

// Finalize attaches every populated slot to the record in one update and
// returns to the list. If the update fails, files uploaded in this mount are
// reported as orphan candidates and the user stays on the step.
func (m *SlotManager) Finalize(ctx context.Context) error {
	m.mu.Lock()
	if m.submitting {
		m.mu.Unlock()
		return ErrBusy
	}
	for _, s := range m.slots {
		if s.state == SlotUploading {
			m.mu.Unlock()
			m.w.toast.Error(MsgUploadInFlight)
			return ErrBusy
		}
	}
	files := m.scanFilesLocked()
	if len(files) == 0 {
		m.mu.Unlock()
		m.w.toast.Error(MsgNoFiles)
		return newValidationError(MsgNoFiles, nil)
	}
	var fresh []string
	for _, s := range m.slots {
		if s.fresh && s.file != nil {
			fresh = append(fresh, s.file.FileKey)
		}
	}
	version := 0
	if m.w.opts.CheckVersion {
		version = m.version
	}
	m.submitting = true
	m.mu.Unlock()

	body := map[string]interface{}{casefields.ScanFiles: files}
	rec, err := m.w.records.UpdateRecord(ctx, m.w.scope.APIBase, m.patientID, body, version)

	m.mu.Lock()
	m.submitting = false
	if err == nil {
		m.version = rec.Version
		for i := range m.slots {
			m.slots[i].fresh = false
		}
	}
	m.mu.Unlock()

	if err != nil {
		m.w.toast.Error(messageFor(err, MsgSubmitFailed))
		m.w.logger.Error().Err(err).Str("patient_id", m.patientID).Strs("unsaved_keys", fresh).Msg("submit scan files")
		m.reportOrphans(ctx, fresh, "record update failed")
		return err
	}

	m.w.logger.Info().Str("patient_id", m.patientID).Int("files", len(files)).Msg("scan files submitted")
	m.w.toast.Success(MsgSubmitted)
	m.w.nav.Navigate(m.w.scope.ListURL())
	return nil
}

// Previous returns to step 3 without saving.
func (m *SlotManager) Previous() {
	m.w.nav.Navigate(m.w.scope.StepURL(casefields.StepClinical, m.patientID))
}

func (m *SlotManager) reportOrphans(ctx context.Context, keys []string, reason string) {
	if len(keys) == 0 {
		return
	}
	if err := m.w.storage.ReportOrphans(ctx, keys, reason); err != nil {
		m.w.logger.Error().Err(err).Strs("keys", keys).Msg("report orphan candidates")
	}
}
