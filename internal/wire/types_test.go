package wire

import "testing"

func TestTypeRegistryLookups(t *testing.T) {
	r := NewTypeRegistry()

	t4, ok := r.ByName("INT4")
	if !ok || t4.OID != 23 || t4.Size != 4 {
		t.Fatalf("int4 = %+v, ok = %v", t4, ok)
	}
	if alias, _ := r.ByName("integer"); alias.OID != t4.OID {
		t.Fatalf("integer alias resolved to %+v", alias)
	}
	if txt, ok := r.ByOID(25); !ok || txt.Name != "text" {
		t.Fatalf("oid 25 = %+v", txt)
	}
	if _, ok := r.ByName("no_such_type"); ok {
		t.Fatal("unknown type resolved")
	}
}

func TestTypeRegistryArrayBand(t *testing.T) {
	r := NewTypeRegistry()
	arr, ok := r.ByName("_text")
	if !ok || arr.OID != 1009 {
		t.Fatalf("_text = %+v, ok = %v", arr, ok)
	}
	base, _ := r.ByName("int4")
	at, ok := r.ArrayType(base)
	if !ok || at.OID != 1007 || at.Name != "_int4" {
		t.Fatalf("array of int4 = %+v", at)
	}
}

func TestTypeRegistryCustomTypes(t *testing.T) {
	r := NewTypeRegistry()
	custom := Type{Name: "Mood", OID: 16385, Size: -1, Typtype: 'e'}
	if err := r.Register(custom); err != nil {
		t.Fatal(err)
	}
	got, ok := r.ByName("mood")
	if !ok || got.OID != 16385 || got.Typtype != 'e' {
		t.Fatalf("mood = %+v", got)
	}
	if err := r.Register(Type{Name: "mood", OID: 16400}); err == nil {
		t.Fatal("duplicate name accepted")
	}
	if err := r.Register(Type{Name: "other", OID: 16385}); err == nil {
		t.Fatal("duplicate oid accepted")
	}
	if n := len(r.Custom()); n != 1 {
		t.Fatalf("custom count = %d", n)
	}
}

func TestTypeRegistryAllSorted(t *testing.T) {
	r := NewTypeRegistry()
	all := r.All()
	if len(all) == 0 {
		t.Fatal("empty catalog")
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].OID >= all[i].OID {
			t.Fatalf("catalog not sorted at %d: %d >= %d", i, all[i-1].OID, all[i].OID)
		}
	}
	if all[0].OID != 16 {
		t.Fatalf("first oid = %d, want bool (16)", all[0].OID)
	}
}
