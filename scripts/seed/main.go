// Seeds the approver hierarchy: one Teacher, HOD and Principal per department
// plus the global Director, CEO and Chairman. Existing emails are skipped so
// the script is safe to re-run.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/puran-edu/approval-chain-api/internal/models"
	"github.com/puran-edu/approval-chain-api/internal/repository"
	"github.com/puran-edu/approval-chain-api/pkg/config"
	"github.com/puran-edu/approval-chain-api/pkg/database"
)

const defaultPassword = "password123"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close() //nolint:errcheck

	repo := repository.NewUserRepository(db)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte(defaultPassword), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("failed to hash password: %v", err)
	}

	created, skipped := 0, 0
	for _, user := range seedUsers() {
		user.PasswordHash = string(hash)
		if _, err := repo.FindByEmail(ctx, user.Email); err == nil {
			skipped++
			continue
		} else if !errors.Is(err, sql.ErrNoRows) {
			log.Fatalf("failed to check %s: %v", user.Email, err)
		}
		if err := repo.Create(ctx, &user); err != nil {
			log.Fatalf("failed to create %s: %v", user.Email, err)
		}
		log.Printf("created %s (%s)", user.Email, user.Role)
		created++
	}
	log.Printf("seeding complete: %d created, %d skipped", created, skipped)
}

func seedUsers() []models.User {
	var users []models.User
	for _, dept := range models.Departments {
		slug := strings.ReplaceAll(strings.ToLower(dept), " ", "")
		for _, role := range []models.UserRole{models.RoleTeacher, models.RoleHOD, models.RolePrincipal} {
			users = append(users, models.User{
				Email:      fmt.Sprintf("%s.%s@example.com", strings.ToLower(string(role)), slug),
				FullName:   fmt.Sprintf("%s %s", dept, role),
				Role:       role,
				Department: dept,
				Active:     true,
			})
		}
	}
	for _, role := range []models.UserRole{models.RoleDirector, models.RoleCEO, models.RoleChairman} {
		users = append(users, models.User{
			Email:    fmt.Sprintf("%s@example.com", strings.ToLower(string(role))),
			FullName: string(role),
			Role:     role,
			Active:   true,
		})
	}
	return users
}
