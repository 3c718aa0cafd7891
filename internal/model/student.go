package model

type Student struct {
	Identity   string `db:"identity" json:"studentId"`
	RegNo      string `db:"reg_no" json:"regNo"`
	Name       string `db:"name" json:"name"`
	Department string `db:"department" json:"department"`
	Year       string `db:"year" json:"year"`
}
