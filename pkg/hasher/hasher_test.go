package hasher

import "testing"

func TestSumVectors(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"123456789", 0xCBF43926},
		{"this is a hasher test", 0x3DCA6FAD},
		{"MadEngine", 0x93D6A3D9},
	}

	for _, c := range cases {
		if got := Sum([]byte(c.in)); got != c.want {
			t.Errorf("Sum(%q) = 0x%08X, want 0x%08X", c.in, got, c.want)
		}
	}
}

func TestVerify(t *testing.T) {
	data := []byte("page contents")
	sum := Sum(data)

	if !Verify(data, sum) {
		t.Error("Verify should accept the matching checksum")
	}

	tampered := append([]byte(nil), data...)
	tampered[0] ^= 0xFF
	if Verify(tampered, sum) {
		t.Error("Verify should reject tampered data")
	}
}
