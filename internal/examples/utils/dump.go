// Package utils holds small helpers shared by the runnable examples.
package utils

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DumpEvents prints every event in the store in position order
func DumpEvents(ctx context.Context, pool *pgxpool.Pool) {
	rows, err := pool.Query(ctx, `
		SELECT type, tags, data, position, occurred_at
		FROM events
		ORDER BY position
	`)
	if err != nil {
		log.Printf("Failed to query events: %v", err)
		return
	}
	defer rows.Close()

	fmt.Printf("%-8s %-20s %-30s %-50s %-15s\n",
		"Position", "Type", "Tags", "Data", "Occurred At")
	fmt.Println(strings.Repeat("-", 130))

	for rows.Next() {
		var eventType string
		var tags []string
		var data []byte
		var position int64
		var occurredAt time.Time

		if err := rows.Scan(&eventType, &tags, &data, &position, &occurredAt); err != nil {
			log.Printf("Failed to scan event: %v", err)
			continue
		}

		tagsStr := strings.Join(tags, ", ")
		if len(tagsStr) > 28 {
			tagsStr = tagsStr[:25] + "..."
		}

		dataStr := string(data)
		if len(dataStr) > 48 {
			dataStr = dataStr[:45] + "..."
		}

		fmt.Printf("%-8d %-20s %-30s %-50s %-15s\n",
			position, eventType, tagsStr, dataStr, occurredAt.Format("2006-01-02 15:04:05"))
	}
}

// DumpOutboxProgress prints the relay progress of every (topic, publisher) pair
func DumpOutboxProgress(ctx context.Context, pool *pgxpool.Pool) {
	rows, err := pool.Query(ctx, `
		SELECT topic, publisher, last_position, status, error_count, leader_instance
		FROM outbox_topic_progress
		ORDER BY topic, publisher
	`)
	if err != nil {
		log.Printf("Failed to query outbox progress: %v", err)
		return
	}
	defer rows.Close()

	fmt.Printf("%-20s %-15s %-14s %-8s %-7s %-25s\n",
		"Topic", "Publisher", "Last Position", "Status", "Errors", "Leader")
	fmt.Println(strings.Repeat("-", 95))

	for rows.Next() {
		var topic, publisher, status string
		var lastPosition int64
		var errorCount int
		var leaderInstance *string

		if err := rows.Scan(&topic, &publisher, &lastPosition, &status, &errorCount, &leaderInstance); err != nil {
			log.Printf("Failed to scan outbox progress: %v", err)
			continue
		}

		leader := "-"
		if leaderInstance != nil {
			leader = *leaderInstance
		}

		fmt.Printf("%-20s %-15s %-14d %-8s %-7d %-25s\n",
			topic, publisher, lastPosition, status, errorCount, leader)
	}
}
