package foodapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSearchCoercesNutrients(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cgi/search.pl" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("search_terms"); got != "chicken breast" {
			t.Errorf("search_terms = %q", got)
		}
		w.Write([]byte(`{"products":[
			{"code":"111","product_name":"Chicken Breast","brands":"FarmCo",
			 "nutriments":{"energy-kcal_100g":"165","proteins_100g":31,"fat_100g":3.6,"carbohydrates_100g":0}},
			{"code":"222","product_name":"","nutriments":{"energy-kcal_100g":100}},
			{"code":"333","product_name":"Mystery Meat","nutriments":{"proteins_100g":"n/a"}}
		]}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	got, err := client.Search(context.Background(), "chicken breast")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	// The nameless product is dropped; incomplete macros survive as nils.
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	first := got[0]
	if first.Barcode != "111" || first.Name != "Chicken Breast" || first.Brand != "FarmCo" {
		t.Errorf("first candidate = %+v", first)
	}
	if first.Kcal100g == nil || *first.Kcal100g != 165 {
		t.Errorf("string kcal not coerced: %v", first.Kcal100g)
	}
	if !first.HasCompleteMacros() {
		t.Error("complete candidate reported incomplete")
	}
	if got[1].Protein100g != nil {
		t.Errorf("unparseable protein should be nil, got %v", *got[1].Protein100g)
	}
}

func TestGetByBarcode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/product/4001234567890.json":
			w.Write([]byte(`{"status":1,"product":{"code":"4001234567890","product_name":"Skyr",
				"nutriments":{"energy-kcal_value":63,"proteins_100g":11,"fat_100g":0.2,"carbohydrates_100g":4}}}`))
		case "/api/v2/product/999.json":
			w.Write([]byte(`{"status":0}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	cand, err := client.GetByBarcode(context.Background(), "4001234567890")
	if err != nil {
		t.Fatalf("GetByBarcode() error = %v", err)
	}
	if cand.Name != "Skyr" || cand.Kcal100g == nil || *cand.Kcal100g != 63 {
		t.Errorf("candidate = %+v", cand)
	}

	if _, err := client.GetByBarcode(context.Background(), "999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing product: err = %v, want ErrNotFound", err)
	}
}
