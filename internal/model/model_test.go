package model

import (
	"testing"
	"time"
)

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"valid", Task{ID: "t1", Title: "Buy milk", Status: "open"}, false},
		{"missing id", Task{Title: "Buy milk"}, true},
		{"missing title", Task{ID: "t1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProjectAndGroupValidate(t *testing.T) {
	p := Project{ID: "p1", Name: "Inbox"}
	if err := p.Validate(); err != nil {
		t.Errorf("valid project: %v", err)
	}
	p.Name = ""
	if err := p.Validate(); err == nil {
		t.Error("nameless project should fail")
	}

	g := Group{ID: "g1", Name: "Doing"}
	if err := g.Validate(); err != nil {
		t.Errorf("valid group: %v", err)
	}
	g.ID = ""
	if err := g.Validate(); err == nil {
		t.Error("id-less group should fail")
	}
}

func TestTombstoneLive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		ts   Tombstone
		want bool
	}{
		{"permanent", Tombstone{EntityType: EntityTask, EntityID: "t1"}, true},
		{"unexpired", Tombstone{EntityType: EntityProject, EntityID: "p1", ExpiresAt: &future}, true},
		{"expired", Tombstone{EntityType: EntityProject, EntityID: "p1", ExpiresAt: &past}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ts.Live(now); got != tt.want {
				t.Errorf("Live() = %v, want %v", got, tt.want)
			}
		})
	}
}
