package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestStore_ActiveMembership_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	queryErr := errors.New("connection refused")
	mock.ExpectQuery("SELECT role_id").WillReturnError(queryErr)

	s := New(db)
	_, _, err = s.ActiveMembership(context.Background(), 1, 10)
	if err == nil {
		t.Fatal("Expected error from failing query")
	}
	if !errors.Is(err, queryErr) {
		t.Errorf("Expected wrapped query error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestStore_ActiveMembership_NoRowsIsNotError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT role_id").WillReturnRows(sqlmock.NewRows([]string{"role_id"}))

	s := New(db)
	roleID, found, err := s.ActiveMembership(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("Expected no error for missing membership, got %v", err)
	}
	if found || roleID != 0 {
		t.Errorf("Expected (0, false), got (%d, %v)", roleID, found)
	}
}

func TestStore_RolePermissions_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	queryErr := errors.New("query timeout")
	mock.ExpectQuery("SELECT permissions").WillReturnError(queryErr)

	s := New(db)
	_, err = s.RolePermissions(context.Background(), 100)
	if err == nil {
		t.Fatal("Expected error from failing query")
	}
	if !errors.Is(err, queryErr) {
		t.Errorf("Expected wrapped query error, got %v", err)
	}
}

func TestStore_RolePermissions_CorruptJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"permissions"}).AddRow("not json")
	mock.ExpectQuery("SELECT permissions").WillReturnRows(rows)

	s := New(db)
	_, err = s.RolePermissions(context.Background(), 100)
	if err == nil {
		t.Fatal("Expected error for corrupt permissions column")
	}
}

func TestStore_DeactivateMembership_ExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	execErr := errors.New("deadlock detected")
	mock.ExpectExec("UPDATE memberships").WillReturnError(execErr)

	s := New(db)
	err = s.DeactivateMembership(context.Background(), 1, 10)
	if err == nil {
		t.Fatal("Expected error from failing exec")
	}
	if !errors.Is(err, execErr) {
		t.Errorf("Expected wrapped exec error, got %v", err)
	}
}
