package casefields

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// SlotCount is the number of fixed upload positions in step 4.
const SlotCount = 13

// FirstModelSlot is the index of the first 3D-model slot; lower indexes
// accept photographs and radiographs.
const FirstModelSlot = 11

// FileClass is the kind of file a slot accepts.
type FileClass string

const (
	ClassImage FileClass = "image"
	ClassModel FileClass = "model"
)

// ExtensionVariant selects which 3D-model format set is accepted.
type ExtensionVariant string

const (
	// VariantStandard accepts .ply and .tls models.
	VariantStandard ExtensionVariant = "standard"
	// VariantClinical accepts .ply and .stl models (admin and doctor scopes).
	VariantClinical ExtensionVariant = "clinical"
)

// SlotDef describes one upload slot.
type SlotDef struct {
	Index int
	Name  string
	Label string
	Class FileClass
}

var slots = [SlotCount]SlotDef{
	{0, "img1", "Upper arch", ClassImage},
	{1, "img2", "Lower arch", ClassImage},
	{2, "img3", "Anterior view", ClassImage},
	{3, "img4", "Left view", ClassImage},
	{4, "img5", "Right view", ClassImage},
	{5, "img6", "Profile view", ClassImage},
	{6, "img7", "Frontal view", ClassImage},
	{7, "img8", "Smiling view", ClassImage},
	{8, "img9", "Panoramic Radiograph", ClassImage},
	{9, "img10", "Lateral Cephalogram", ClassImage},
	{10, "img11", "Other", ClassImage},
	{11, "model1", "Select PLY/TLS File to upload", ClassModel},
	{12, "model2", "Select PLY/TLS File to upload", ClassModel},
}

// Slots returns the fixed slot table in index order.
func Slots() []SlotDef {
	out := make([]SlotDef, SlotCount)
	copy(out, slots[:])
	return out
}

// SlotAt returns the slot at index, or false when index is out of range.
func SlotAt(index int) (SlotDef, bool) {
	if index < 0 || index >= SlotCount {
		return SlotDef{}, false
	}
	return slots[index], true
}

// SlotByName returns the slot with the given scanFiles key.
func SlotByName(name string) (SlotDef, bool) {
	for _, s := range slots {
		if s.Name == name {
			return s, true
		}
	}
	return SlotDef{}, false
}

// LabelFor returns the slot's display label for the variant. Clinical model
// slots advertise STL rather than TLS.
func (s SlotDef) LabelFor(v ExtensionVariant) string {
	if s.Class == ClassModel && v == VariantClinical {
		return "Select PLY/STL File to upload"
	}
	return s.Label
}

var (
	imageExtensions    = []string{"jpg", "jpeg", "png"}
	standardModelExts  = []string{"ply", "tls"}
	clinicalModelExts  = []string{"ply", "stl"}
	storableExtensions = []string{"jpg", "jpeg", "png", "ply", "tls", "stl"}
)

// AcceptedExtensions lists the lower-case extensions (without dot) a slot
// class accepts under variant v.
func AcceptedExtensions(class FileClass, v ExtensionVariant) []string {
	if class == ClassImage {
		return imageExtensions
	}
	if v == VariantClinical {
		return clinicalModelExts
	}
	return standardModelExts
}

// Extension returns the lower-case extension of filename without the dot.
func Extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// Accepts reports whether filename may be uploaded into slot s.
func (s SlotDef) Accepts(filename string, v ExtensionVariant) bool {
	ext := Extension(filename)
	for _, a := range AcceptedExtensions(s.Class, v) {
		if a == ext {
			return true
		}
	}
	return false
}

// IsStorable reports whether filename has an extension the object store
// accepts from any slot.
func IsStorable(filename string) bool {
	ext := Extension(filename)
	for _, a := range storableExtensions {
		if a == ext {
			return true
		}
	}
	return false
}

// IsImage reports whether filename is a photograph or radiograph.
func IsImage(filename string) bool {
	ext := Extension(filename)
	for _, a := range imageExtensions {
		if a == ext {
			return true
		}
	}
	return false
}

// ScanFile is the persisted descriptor of one uploaded object.
type ScanFile struct {
	FileURL    string    `json:"fileUrl" bson:"fileUrl"`
	FileKey    string    `json:"fileKey" bson:"fileKey"`
	UploadedAt time.Time `json:"uploadedAt" bson:"uploadedAt"`
}

// ScanFileMap maps slot names to at most one descriptor each.
type ScanFileMap map[string][]ScanFile

// Validate checks slot names, single occupancy and required descriptor
// fields. Empty arrays are rejected: empty slots must be omitted.
func (m ScanFileMap) Validate() error {
	for name, files := range m {
		if _, ok := SlotByName(name); !ok {
			return fmt.Errorf("unknown scan slot %q", name)
		}
		if len(files) != 1 {
			return fmt.Errorf("scan slot %q must hold exactly one file, got %d", name, len(files))
		}
		if files[0].FileURL == "" || files[0].FileKey == "" {
			return fmt.Errorf("scan slot %q requires fileUrl and fileKey", name)
		}
	}
	return nil
}

// Keys returns every storage key referenced by the map.
func (m ScanFileMap) Keys() []string {
	var keys []string
	for _, files := range m {
		for _, f := range files {
			keys = append(keys, f.FileKey)
		}
	}
	return keys
}
