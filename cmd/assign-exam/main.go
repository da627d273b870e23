package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/database"
	"github.com/stemsi/exam-session-backend/internal/logger"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/repository"
)

// assign-exam grants an exam to identities read one per line from a file
// or stdin. Existing grants are replaced.
func main() {
	var (
		examIDStr string
		file      string
		due       string
		attempts  int
	)
	flag.StringVar(&examIDStr, "exam", "", "Exam ID")
	flag.StringVar(&file, "file", "-", "File with one identity ID per line (- for stdin)")
	flag.StringVar(&due, "due", "", "Due date in RFC3339 (optional)")
	flag.IntVar(&attempts, "attempts", 1, "Submitted attempts allowed (0 = unlimited)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	examID, err := uuid.Parse(examIDStr)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -exam")
	}

	var dueAt *time.Time
	if due != "" {
		t, err := time.Parse(time.RFC3339, due)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid -due")
		}
		dueAt = &t
	}

	var in io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open identity file")
		}
		defer f.Close()
		in = f
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	examRepo := repository.NewExamRepository(pool)
	exam, err := examRepo.GetExam(ctx, examID)
	if err != nil {
		log.Fatal().Err(err).Str("exam_id", examID.String()).Msg("Failed to load exam")
	}

	fmt.Printf("=== Assigning %q ===\n", exam.Title)

	successCount, total := 0, 0
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		identity := strings.TrimSpace(scanner.Text())
		if identity == "" || strings.HasPrefix(identity, "#") {
			continue
		}
		total++

		a := &model.Assignment{
			IdentityID:      identity,
			ExamID:          examID,
			DueAt:           dueAt,
			AttemptsAllowed: attempts,
		}
		if err := examRepo.UpsertAssignment(ctx, a); err != nil {
			fmt.Printf("Error assigning %s: %v\n", identity, err)
			continue
		}
		successCount++
		if successCount%100 == 0 {
			fmt.Printf("Assigned %d identities...\n", successCount)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to read identities")
	}

	fmt.Printf("\nDone! Assigned %d/%d identities.\n", successCount, total)
}
