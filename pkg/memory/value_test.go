package memory

import (
	"errors"
	"testing"
)

func TestValidateMetadata_RejectsEmptyKeys(t *testing.T) {
	meta := map[string]Value{"": String("x")}
	if err := ValidateMetadata(meta); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	nested := map[string]Value{"outer": Map(map[string]Value{"": Bool(true)})}
	if err := ValidateMetadata(nested); !errors.Is(err, ErrValidation) {
		t.Fatalf("nested err = %v, want ErrValidation", err)
	}
}

func TestValidateMetadata_RejectsDeepNesting(t *testing.T) {
	v := String("leaf")
	for i := 0; i < maxMetadataDepth+2; i++ {
		v = Map(map[string]Value{"k": v})
	}
	if err := ValidateMetadata(map[string]Value{"root": v}); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	// The same structure one level shallower passes.
	shallow := List(String("a"), Number(1), Bool(true))
	if err := ValidateMetadata(map[string]Value{"root": shallow}); err != nil {
		t.Fatalf("shallow metadata rejected: %v", err)
	}
}

func TestMetadata_EncodeDecode(t *testing.T) {
	meta := map[string]Value{
		"source":  String("review"),
		"count":   Number(3),
		"applies": Bool(true),
		"files":   List(String("main.go"), String("cli.go")),
		"extra":   Map(map[string]Value{"branch": String("main")}),
	}
	decoded := decodeMetadata(encodeMetadata(meta))
	if decoded["source"].Str != "review" {
		t.Fatalf("source = %#v", decoded["source"])
	}
	if decoded["count"].Num != 3 {
		t.Fatalf("count = %#v", decoded["count"])
	}
	if !decoded["applies"].Bool {
		t.Fatalf("applies = %#v", decoded["applies"])
	}
	if len(decoded["files"].List) != 2 || decoded["files"].List[1].Str != "cli.go" {
		t.Fatalf("files = %#v", decoded["files"])
	}
	if decoded["extra"].Map["branch"].Str != "main" {
		t.Fatalf("extra = %#v", decoded["extra"])
	}
}

func TestValueFrom_RejectsUnknownTypes(t *testing.T) {
	if _, err := ValueFrom(struct{}{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
