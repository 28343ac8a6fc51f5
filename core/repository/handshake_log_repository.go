package repository

import (
	"encoding/json"
	"fmt"

	"pipeline-orchestrator/core/models"
)

// HandshakeLogRepository durably records every handshake packet before it
// is sent, for audit and replay.
type HandshakeLogRepository struct {
	db *DB
}

// NewHandshakeLogRepository creates a new handshake log repository
func NewHandshakeLogRepository(db *DB) *HandshakeLogRepository {
	return &HandshakeLogRepository{db: db}
}

// LogPacket appends a handshake packet to the audit log
func (r *HandshakeLogRepository) LogPacket(workerName string, packet *models.HandshakePacket) error {
	data, err := json.Marshal(packet)
	if err != nil {
		return fmt.Errorf("marshal handshake packet: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO handshake_log (packet_id, execution_id, stage_id, worker_name, packet_json)
		VALUES ($1, $2, $3, $4, $5)`,
		packet.PacketID, packet.ExecutionID, packet.StageID, workerName, data,
	)
	return err
}

// GetPacketsByExecution returns the handshake trail of one execution
func (r *HandshakeLogRepository) GetPacketsByExecution(execID string) ([]models.HandshakePacket, error) {
	rows, err := r.db.Query(
		`SELECT packet_json FROM handshake_log WHERE execution_id = $1 ORDER BY logged_at`,
		execID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packets []models.HandshakePacket
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p models.HandshakePacket
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal logged packet: %w", err)
		}
		packets = append(packets, p)
	}

	return packets, rows.Err()
}
