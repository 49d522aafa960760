package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPlacementOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		probe    ProbePosition
		expected Placement
	}{
		{"EntryBeforePlain", ProbePosition{Instruction: op(0, "ALOAD"), Entry: true}, Before},
		{"EntryExitBeforeThrow", ProbePosition{Instruction: op(0, "ATHROW"), Entry: true, Exit: true}, Before},
		{"EntryWinsOverPlainExit", ProbePosition{Instruction: op(0, "NOP"), Entry: true, Exit: true}, Before},
		{"ExitBeforeBranch", ProbePosition{Instruction: op(0, "IFEQ", 3), Exit: true}, Before},
		{"ExitBeforeJump", ProbePosition{Instruction: op(0, "GOTO", 3), Exit: true}, Before},
		{"ExitBeforeSwitch", ProbePosition{Instruction: op(0, "TABLESWITCH", 3), Exit: true}, Before},
		{"ExitBeforeReturn", ProbePosition{Instruction: op(0, "IRETURN"), Exit: true}, Before},
		{"ExitAfterPlain", ProbePosition{Instruction: op(0, "INVOKEVIRTUAL"), Exit: true}, After},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, PlacementOf(tt.probe))
		})
	}
}

func TestProbeCFG_Placements(t *testing.T) {
	t.Parallel()

	pcfg, err := BuildProbeCFG(tryCatchMethod(), DefaultProbeOptions())
	require.NoError(t, err)

	assert.Equal(t, []ProbePlacement{
		{Probe: 0, Block: 0, Instruction: 1, Opcode: "ALOAD", Entry: true, Where: Before},
		{Probe: 1, Block: 0, Instruction: 2, Opcode: "INVOKEVIRTUAL", Exit: true, Where: After},
		{Probe: 2, Block: 1, Instruction: 4, Opcode: "RETURN", Exit: true, Where: Before},
		{Probe: 3, Block: 2, Instruction: 7, Opcode: "RETURN", Exit: true, Where: Before},
	}, pcfg.Placements())
}

func TestPlacement_Text(t *testing.T) {
	t.Parallel()

	out, err := yaml.Marshal(ProbePlacement{Probe: 1, Opcode: "NOP", Exit: true, Where: After})
	require.NoError(t, err)
	assert.Contains(t, string(out), "where: after")

	var decoded ProbePlacement
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, After, decoded.Where)

	var p Placement
	assert.Error(t, p.UnmarshalText([]byte("sideways")))
	_, err = Placement(9).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "Placement(9)", Placement(9).String())
}
