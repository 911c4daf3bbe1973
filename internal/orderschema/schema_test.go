package orderschema

import (
	"errors"
	"testing"
)

func TestDecodeAcceptsItemsAndContent(t *testing.T) {
	orders, err := Decode([]byte(`{
	  "orders":[
	    {"id":"A-1","items":[7,12]},
	    {"content":"12-34-56"},
	    {"id":"empty","items":[]}
	  ]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("orders=%d want=3", len(orders))
	}
	if orders[0].ID != "A-1" || len(orders[0].Items) != 2 || orders[0].Items[1] != 12 {
		t.Fatalf("order[0]=%+v", orders[0])
	}
	if len(orders[1].Items) != 3 || orders[1].Items[2] != 56 {
		t.Fatalf("order[1]=%+v want items 12,34,56", orders[1])
	}
	if orders[2].Items == nil || len(orders[2].Items) != 0 {
		t.Fatalf("order[2] items=%v want empty", orders[2].Items)
	}
}

func TestDecodeRejectsInvalidBatches(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"orders":`,
		"missing orders":    `{}`,
		"item out of range": `{"orders":[{"items":[1000]}]}`,
		"item not integer":  `{"orders":[{"items":[1.5]}]}`,
		"bad content":       `{"orders":[{"content":"12-abc"}]}`,
		"no items field":    `{"orders":[{"id":"x"}]}`,
		"unknown field":     `{"orders":[{"items":[1],"priority":3}]}`,
		"content zero":      `{"orders":[{"content":"0-5"}]}`,
	}
	for name, body := range cases {
		if _, err := Decode([]byte(body)); !errors.Is(err, ErrInvalidBatch) {
			t.Fatalf("%s: err=%v want invalid batch", name, err)
		}
	}
}
