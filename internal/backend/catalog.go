package backend

import (
	"context"
	"fmt"

	"eduscrumawards/portal/internal/auth"
)

type Discipline struct {
	ID   int64  `json:"id"`
	Name string `json:"nome"`
	Code string `json:"codigo"`
}

type Course struct {
	ID          int64        `json:"id"`
	Name        string       `json:"nome"`
	Code        string       `json:"codigo"`
	AdminID     int64        `json:"adminId"`
	Disciplines []Discipline `json:"disciplinas"`
}

// StudentRank is one row of a student ranking, ordered by TotalPoints.
type StudentRank struct {
	ID          int64     `json:"id"`
	Name        string    `json:"nome"`
	Email       string    `json:"email"`
	Role        auth.Role `json:"papelSistema"`
	TotalPoints int       `json:"totalPontos"`
}

type TeamRank struct {
	TeamID        int64   `json:"idEquipa"`
	TeamName      string  `json:"nomeEquipa"`
	TotalPoints   int     `json:"totalPontosMembros"`
	AveragePoints float64 `json:"mediaPontos"`
}

type Prize struct {
	ID          int64  `json:"id"`
	Name        string `json:"nome"`
	Description string `json:"descricao"`
	Points      int    `json:"valorPontos"`
	Kind        string `json:"tipo"`
}

// Achievement is a prize awarded to a student. AwardedAt is the backend's
// zone-less local timestamp, kept as text.
type Achievement struct {
	ID        int64  `json:"id"`
	AwardedAt string `json:"dataAtribuicao"`
	Prize     Prize  `json:"premio"`
}

func (c *Client) Courses(ctx context.Context) ([]Course, error) {
	var out []Course
	err := c.getJSON(ctx, "courses", "/api/cursos", true, &out)
	return out, err
}

func (c *Client) Course(ctx context.Context, id int64) (Course, error) {
	var out Course
	err := c.getJSON(ctx, "course", fmt.Sprintf("/api/cursos/%d", id), false, &out)
	return out, err
}

func (c *Client) StudentCourses(ctx context.Context, studentID int64) ([]Course, error) {
	var out []Course
	err := c.getJSON(ctx, "student_courses", fmt.Sprintf("/api/alunos/%d/cursos", studentID), true, &out)
	return out, err
}

func (c *Client) ProfessorCourses(ctx context.Context, professorID int64) ([]Course, error) {
	var out []Course
	err := c.getJSON(ctx, "professor_courses", fmt.Sprintf("/api/professores/%d/cursos", professorID), true, &out)
	return out, err
}

func (c *Client) Users(ctx context.Context) ([]auth.User, error) {
	var out []auth.User
	err := c.getJSON(ctx, "users", "/api/utilizadores", false, &out)
	return out, err
}

func (c *Client) GlobalRanking(ctx context.Context) ([]StudentRank, error) {
	var out []StudentRank
	err := c.getJSON(ctx, "global_ranking", "/api/rankings/alunos/global", true, &out)
	return out, err
}

func (c *Client) CourseRanking(ctx context.Context, courseID int64) ([]StudentRank, error) {
	var out []StudentRank
	err := c.getJSON(ctx, "course_ranking", fmt.Sprintf("/api/rankings/alunos/curso/%d", courseID), true, &out)
	return out, err
}

func (c *Client) TeamRanking(ctx context.Context, projectID int64) ([]TeamRank, error) {
	var out []TeamRank
	err := c.getJSON(ctx, "team_ranking", fmt.Sprintf("/api/rankings/equipas/projeto/%d", projectID), true, &out)
	return out, err
}

func (c *Client) StudentAchievements(ctx context.Context, studentID int64) ([]Achievement, error) {
	var out []Achievement
	err := c.getJSON(ctx, "student_achievements", fmt.Sprintf("/api/alunos/%d/conquistas", studentID), false, &out)
	return out, err
}

func (c *Client) DisciplinePrizes(ctx context.Context, disciplineID int64) ([]Prize, error) {
	var out []Prize
	err := c.getJSON(ctx, "discipline_prizes", fmt.Sprintf("/api/disciplinas/%d/premios", disciplineID), false, &out)
	return out, err
}
