package vectorstore

import (
	"context"
	"testing"

	"github.com/lklic/idios/internal/modelconfig"
)

func TestOpclassAndDistanceOperator(t *testing.T) {
	cosine := &PGCollection{desc: modelconfig.Descriptor{Metric: modelconfig.MetricCosine}}
	if got := cosine.opclass(); got != "vector_cosine_ops" {
		t.Errorf("cosine opclass = %q, want vector_cosine_ops", got)
	}
	if got := cosine.distanceOperator(); got != "<=>" {
		t.Errorf("cosine distance operator = %q, want <=>", got)
	}

	l2 := &PGCollection{desc: modelconfig.Descriptor{Metric: modelconfig.MetricL2}}
	if got := l2.opclass(); got != "vector_l2_ops" {
		t.Errorf("L2 opclass = %q, want vector_l2_ops", got)
	}
	if got := l2.distanceOperator(); got != "<->" {
		t.Errorf("L2 distance operator = %q, want <->", got)
	}
}

func TestQueryByPrefixRejectsLiteralPercent(t *testing.T) {
	c := &PGCollection{desc: modelconfig.Descriptor{Name: "sift_local"}, table: "idios_sift_local"}
	_, err := c.QueryByPrefix(context.Background(), "https://example.com/a%b")
	if err == nil {
		t.Fatal("expected error for prefix containing literal %, got nil")
	}
}

func TestInsertLengthMismatch(t *testing.T) {
	c := &PGCollection{desc: modelconfig.Descriptor{Name: "vit_b32"}, table: "idios_vit_b32"}
	err := c.Insert(context.Background(), []string{"https://example.com/a"}, nil, nil)
	if err == nil {
		t.Fatal("expected error for mismatched slice lengths, got nil")
	}
}

func TestInsertEmptyIsNoop(t *testing.T) {
	c := &PGCollection{desc: modelconfig.Descriptor{Name: "vit_b32"}, table: "idios_vit_b32"}
	if err := c.Insert(context.Background(), nil, nil, nil); err != nil {
		t.Fatalf("expected no error for empty insert, got %v", err)
	}
}
