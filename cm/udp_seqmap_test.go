package cm

import "testing"

func TestSeqMapAscendsInOrder(t *testing.T) {
	m := newSeqMap(
		func(r outPacketRecord) uint32 { return r.Seq },
		func(seq uint32) outPacketRecord { return outPacketRecord{Seq: seq} },
	)

	for _, seq := range []uint32{5, 1, 3, 2, 4} {
		m.Insert(outPacketRecord{Seq: seq})
	}

	var got []uint32
	m.Ascend(func(r outPacketRecord) bool {
		got = append(got, r.Seq)
		return true
	})

	want := []uint32{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSeqMapDeleteAndGet(t *testing.T) {
	m := newSeqMap(
		func(r inPacketRecord) uint32 { return r.Seq },
		func(seq uint32) inPacketRecord { return inPacketRecord{Seq: seq} },
	)
	m.Insert(inPacketRecord{Seq: 10, Payload: []byte("x")})

	if _, ok := m.Get(10); !ok {
		t.Fatal("expected record at seq 10")
	}
	if _, ok := m.Delete(10); !ok {
		t.Fatal("expected delete to find seq 10")
	}
	if _, ok := m.Get(10); ok {
		t.Fatal("expected seq 10 to be gone after delete")
	}
	if m.Len() != 0 {
		t.Errorf("expected empty map, got len %d", m.Len())
	}
}

func TestSeqMapAscendFrom(t *testing.T) {
	m := newSeqMap(
		func(r outPacketRecord) uint32 { return r.Seq },
		func(seq uint32) outPacketRecord { return outPacketRecord{Seq: seq} },
	)
	for _, seq := range []uint32{1, 2, 3, 10, 11} {
		m.Insert(outPacketRecord{Seq: seq})
	}

	var got []uint32
	m.AscendFrom(3, func(r outPacketRecord) bool {
		got = append(got, r.Seq)
		return true
	})

	want := []uint32{3, 10, 11}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}
